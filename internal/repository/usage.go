package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"guidance-agent/internal/domain"
)

// GetUsage returns the usage counter for identity, or nil when none exists.
func (c *Client) GetUsage(ctx context.Context, identity string) (*domain.UsageCounter, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(usagePK(identity), skCounter),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: GetUsage get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	u, err := itemToUsage(out.Item)
	if err != nil {
		return nil, fmt.Errorf("repository: GetUsage decode: %w", err)
	}
	return &u, nil
}

// EnsureUsage creates an empty counter for identity if none exists and
// reports whether this call created it.
func (c *Client) EnsureUsage(ctx context.Context, identity, userID string) (bool, error) {
	now := c.now()
	item := map[string]types.AttributeValue{
		"PK":         sAttr(usagePK(identity)),
		"SK":         sAttr(skCounter),
		"identity":   sAttr(identity),
		"periodKey":  sAttr(PeriodKey(now)),
		"msgCount":   nAttr(0),
		"nudgesSent": nAttr(0),
		"optedOut":   bAttr(false),
		"createdAt":  sAttr(formatTime(now)),
		"updatedAt":  sAttr(formatTime(now)),
	}
	if userID != "" {
		item["userId"] = sAttr(userID)
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("repository: EnsureUsage: %w", err)
	}
	return true, nil
}

// ConsumeQuota atomically admits one message for identity against limit in
// period. The check and the increment are a single conditional write, so
// concurrent callers never admit more than limit messages. A counter from
// another period is reset first. An empty period means the current month;
// LifetimePeriod never rolls over. Returns ErrQuotaExhausted together with
// the current counter when no messages remain.
func (c *Client) ConsumeQuota(ctx context.Context, identity, userID, period string, limit int) (domain.UsageCounter, error) {
	if period == "" {
		period = PeriodKey(c.now())
	}
	if limit <= 0 {
		u, err := c.GetUsage(ctx, identity)
		if err != nil {
			return domain.UsageCounter{}, fmt.Errorf("repository: ConsumeQuota: %w", err)
		}
		if u == nil {
			return domain.UsageCounter{Identity: identity, PeriodKey: period}, ErrQuotaExhausted
		}
		return *u, ErrQuotaExhausted
	}
	for attempt := 0; attempt < 2; attempt++ {
		u, old, err := c.incrementUsage(ctx, identity, userID, period, limit)
		if err == nil {
			return u, nil
		}
		if !isConditionFailed(err) {
			return domain.UsageCounter{}, fmt.Errorf("repository: ConsumeQuota: %w", err)
		}

		if old == nil {
			old, err = c.GetUsage(ctx, identity)
			if err != nil {
				return domain.UsageCounter{}, fmt.Errorf("repository: ConsumeQuota: %w", err)
			}
			if old == nil {
				continue
			}
		}
		if old.PeriodKey == period || attempt > 0 {
			return *old, ErrQuotaExhausted
		}
		if err := c.rolloverUsage(ctx, identity, period); err != nil {
			return domain.UsageCounter{}, fmt.Errorf("repository: ConsumeQuota: %w", err)
		}
	}
	return domain.UsageCounter{}, fmt.Errorf("repository: ConsumeQuota: %w", ErrQuotaExhausted)
}

// incrementUsage returns the updated counter on success. On a failed
// condition it also returns the counter as it stood, when DynamoDB provided
// one.
func (c *Client) incrementUsage(ctx context.Context, identity, userID, period string, limit int) (domain.UsageCounter, *domain.UsageCounter, error) {
	now := formatTime(c.now())
	update := "SET msgCount = if_not_exists(msgCount, :zero) + :one, periodKey = :period, " +
		"nudgesSent = if_not_exists(nudgesSent, :zero), identity = :identity, " +
		"createdAt = if_not_exists(createdAt, :now), updatedAt = :now"
	values := map[string]types.AttributeValue{
		":zero":     nAttr(0),
		":one":      nAttr(1),
		":period":   sAttr(period),
		":identity": sAttr(identity),
		":now":      sAttr(now),
		":limit":    nAttr(int64(limit)),
	}
	if userID != "" {
		update += ", userId = if_not_exists(userId, :uid)"
		values[":uid"] = sAttr(userID)
	}

	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(c.tableName),
		Key:              key(usagePK(identity), skCounter),
		UpdateExpression: aws.String(update),
		ConditionExpression: aws.String("(attribute_not_exists(periodKey) OR periodKey = :period) AND " +
			"(attribute_not_exists(msgCount) OR msgCount < :limit)"),
		ExpressionAttributeValues:           values,
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) && len(ccf.Item) > 0 {
			old, decodeErr := itemToUsage(ccf.Item)
			if decodeErr == nil {
				return domain.UsageCounter{}, &old, err
			}
		}
		return domain.UsageCounter{}, nil, err
	}
	u, err := itemToUsage(out.Attributes)
	if err != nil {
		return domain.UsageCounter{}, nil, fmt.Errorf("decode: %w", err)
	}
	return u, nil, nil
}

// rolloverUsage resets a counter left over from an earlier period. Losing
// the race to another rollover is fine.
func (c *Client) rolloverUsage(ctx context.Context, identity, period string) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 key(usagePK(identity), skCounter),
		UpdateExpression:    aws.String("SET periodKey = :period, msgCount = :zero, nudgesSent = :zero, updatedAt = :now"),
		ConditionExpression: aws.String("attribute_exists(periodKey) AND periodKey <> :period"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":period": sAttr(period),
			":zero":   nAttr(0),
			":now":    sAttr(formatTime(c.now())),
		},
	})
	if err != nil && !isConditionFailed(err) {
		return fmt.Errorf("rollover: %w", err)
	}
	return nil
}

// RecordNudge counts one subscription nudge for identity. It returns false
// without error when limit nudges were already sent this period.
func (c *Client) RecordNudge(ctx context.Context, identity string, limit int) (bool, error) {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 key(usagePK(identity), skCounter),
		UpdateExpression:    aws.String("SET nudgesSent = if_not_exists(nudgesSent, :zero) + :one, updatedAt = :now"),
		ConditionExpression: aws.String("attribute_exists(PK) AND (attribute_not_exists(nudgesSent) OR nudgesSent < :limit)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":zero":  nAttr(0),
			":one":   nAttr(1),
			":limit": nAttr(int64(limit)),
			":now":   sAttr(formatTime(c.now())),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("repository: RecordNudge: %w", err)
	}
	return true, nil
}

// SetOptOut records a STOP (optedOut true) or START for identity, creating
// the counter if needed.
func (c *Client) SetOptOut(ctx context.Context, identity string, optedOut bool) error {
	now := formatTime(c.now())
	update := "SET optedOut = :opted, identity = :identity, createdAt = if_not_exists(createdAt, :now), updatedAt = :now"
	values := map[string]types.AttributeValue{
		":opted":    bAttr(optedOut),
		":identity": sAttr(identity),
		":now":      sAttr(now),
	}
	if optedOut {
		update += ", optedOutAt = :now"
	} else {
		update += " REMOVE optedOutAt"
	}
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(c.tableName),
		Key:                       key(usagePK(identity), skCounter),
		UpdateExpression:          aws.String(update),
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return fmt.Errorf("repository: SetOptOut: %w", err)
	}
	return nil
}

func itemToUsage(item map[string]types.AttributeValue) (domain.UsageCounter, error) {
	count, err := optInt(item, "msgCount")
	if err != nil {
		return domain.UsageCounter{}, err
	}
	nudges, err := optInt(item, "nudgesSent")
	if err != nil {
		return domain.UsageCounter{}, err
	}
	u := domain.UsageCounter{
		Identity:   optStr(item, "identity"),
		PeriodKey:  optStr(item, "periodKey"),
		Count:      count,
		NudgesSent: nudges,
		OptedOut:   optBool(item, "optedOut"),
		OptedOutAt: optTime(item, "optedOutAt"),
		UserID:     optStr(item, "userId"),
		CreatedAt:  optTime(item, "createdAt"),
	}
	// The billing collaborator writes paid and planCap onto the counter.
	if _, ok := item["paid"]; ok {
		planCap, err := optInt(item, "planCap")
		if err != nil {
			return domain.UsageCounter{}, err
		}
		if _, ok := item["planCap"]; !ok {
			planCap = domain.UnlimitedCap
		}
		u.Subscription = &domain.SubscriptionSnapshot{Paid: optBool(item, "paid"), MonthlyCap: planCap}
	}
	return u, nil
}
