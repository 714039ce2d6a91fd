package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"guidance-agent/internal/domain"
)

const defaultSessionListLimit = 50

var newUUID = func() string {
	return uuid.NewString()
}

// CreateSession allocates a new, untitled session for userID.
func (c *Client) CreateSession(ctx context.Context, userID string) (domain.Session, error) {
	if userID == "" {
		return domain.Session{}, errors.New("repository: CreateSession: user id is required")
	}
	now := c.now().UTC()
	s := domain.Session{
		SessionID:    c.newID(),
		UserID:       userID,
		LastActivity: now,
		CreatedAt:    now,
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                sessionItem(s),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: CreateSession: %w", err)
	}
	return s, nil
}

// GetSession returns a session, or ErrNotFound.
func (c *Client) GetSession(ctx context.Context, userID, sessionID string) (domain.Session, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(userPK(userID), sessionSK(sessionID)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: GetSession get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Session{}, fmt.Errorf("repository: GetSession %s: %w", sessionID, ErrNotFound)
	}
	s, err := itemToSession(out.Item)
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: GetSession decode: %w", err)
	}
	return s, nil
}

// ListSessions returns the user's non-archived sessions, most recently
// active first.
func (c *Client) ListSessions(ctx context.Context, userID string, limit int) ([]domain.Session, error) {
	if limit <= 0 {
		limit = defaultSessionListLimit
	}
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		FilterExpression:       aws.String("archived = :false"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     sAttr(userPK(userID)),
			":prefix": sAttr(skPrefixSession),
			":false":  bAttr(false),
		},
	}

	var sessions []domain.Session
	paginator := dynamodb.NewQueryPaginator(c.api, in)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("repository: ListSessions query: %w", err)
		}
		for _, item := range page.Items {
			s, err := itemToSession(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListSessions decode: %w", err)
			}
			if s.Archived {
				continue
			}
			sessions = append(sessions, s)
		}
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].LastActivity.After(sessions[j].LastActivity)
	})
	if len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

// ArchiveSession soft-deletes a session. Returns ErrNotFound when it does
// not exist.
func (c *Client) ArchiveSession(ctx context.Context, userID, sessionID string) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 key(userPK(userID), sessionSK(sessionID)),
		UpdateExpression:    aws.String("SET archived = :true, updatedAt = :now"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":true": bAttr(true),
			":now":  sAttr(formatTime(c.now())),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("repository: ArchiveSession %s: %w", sessionID, ErrNotFound)
		}
		return fmt.Errorf("repository: ArchiveSession: %w", err)
	}
	return nil
}

// RenameSession sets the session title. When unless is non-empty the write
// only happens if the current title source is none of those values, and
// ErrConditionFailed is returned otherwise.
func (c *Client) RenameSession(ctx context.Context, userID, sessionID, title string, source domain.TitleSource, unless ...domain.TitleSource) error {
	values := map[string]types.AttributeValue{
		":title":  sAttr(title),
		":source": sAttr(string(source)),
		":now":    sAttr(formatTime(c.now())),
	}
	cond := "attribute_exists(PK)"
	if len(unless) > 0 {
		cond += " AND (attribute_not_exists(titleSource)"
		for i, u := range unless {
			name := fmt.Sprintf(":unless%d", i)
			values[name] = sAttr(string(u))
			if i == 0 {
				cond += " OR NOT titleSource IN (" + name
			} else {
				cond += ", " + name
			}
		}
		cond += "))"
	}

	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(c.tableName),
		Key:                       key(userPK(userID), sessionSK(sessionID)),
		UpdateExpression:          aws.String("SET title = :title, titleSource = :source, updatedAt = :now"),
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("repository: RenameSession %s: %w", sessionID, ErrConditionFailed)
		}
		return fmt.Errorf("repository: RenameSession: %w", err)
	}
	return nil
}

func sessionItem(s domain.Session) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":           sAttr(userPK(s.UserID)),
		"SK":           sAttr(sessionSK(s.SessionID)),
		"sessionId":    sAttr(s.SessionID),
		"userId":       sAttr(s.UserID),
		"threadKey":    sAttr(s.Thread().String()),
		"messageCount": nAttr(int64(s.MessageCount)),
		"lastActivity": sAttr(formatTime(s.LastActivity)),
		"createdAt":    sAttr(formatTime(s.CreatedAt)),
		"updatedAt":    sAttr(formatTime(s.CreatedAt)),
		"archived":     bAttr(s.Archived),
	}
	if s.Title != "" {
		item["title"] = sAttr(s.Title)
		item["titleSource"] = sAttr(string(s.TitleSource))
	}
	return item
}

func itemToSession(item map[string]types.AttributeValue) (domain.Session, error) {
	sessionID, err := strAttr(item, "sessionId")
	if err != nil {
		return domain.Session{}, err
	}
	userID, err := strAttr(item, "userId")
	if err != nil {
		return domain.Session{}, err
	}
	count, err := optInt(item, "messageCount")
	if err != nil {
		return domain.Session{}, err
	}
	return domain.Session{
		SessionID:    sessionID,
		UserID:       userID,
		Title:        optStr(item, "title"),
		TitleSource:  domain.TitleSource(optStr(item, "titleSource")),
		MessageCount: count,
		LastActivity: optTime(item, "lastActivity"),
		CreatedAt:    optTime(item, "createdAt"),
		Archived:     optBool(item, "archived"),
	}, nil
}
