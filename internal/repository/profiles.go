package repository

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"guidance-agent/internal/domain"
)

// GetProfile returns the profile for userID, or ErrNotFound.
func (c *Client) GetProfile(ctx context.Context, userID string) (domain.Profile, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key:       key(userPK(userID), skProfile),
	})
	if err != nil {
		return domain.Profile{}, fmt.Errorf("repository: GetProfile get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Profile{}, fmt.Errorf("repository: GetProfile %s: %w", userID, ErrNotFound)
	}
	p, err := itemToProfile(out.Item)
	if err != nil {
		return domain.Profile{}, fmt.Errorf("repository: GetProfile decode: %w", err)
	}
	return p, nil
}

// FindProfileByPhone looks a registered user up by E.164 phone number
// through the phone number index. Returns ErrNotFound for unknown numbers.
func (c *Client) FindProfileByPhone(ctx context.Context, phone string) (domain.Profile, error) {
	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		IndexName:              aws.String(phoneIndexName),
		KeyConditionExpression: aws.String("phoneNumber = :phone"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":phone": sAttr(phone),
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return domain.Profile{}, fmt.Errorf("repository: FindProfileByPhone query: %w", err)
	}
	if len(out.Items) == 0 {
		return domain.Profile{}, fmt.Errorf("repository: FindProfileByPhone: %w", ErrNotFound)
	}
	p, err := itemToProfile(out.Items[0])
	if err != nil {
		return domain.Profile{}, fmt.Errorf("repository: FindProfileByPhone decode: %w", err)
	}
	return p, nil
}

func itemToProfile(item map[string]types.AttributeValue) (domain.Profile, error) {
	userID, err := strAttr(item, "userId")
	if err != nil {
		return domain.Profile{}, err
	}
	planCap, err := optInt(item, "planMonthlyCap")
	if err != nil {
		return domain.Profile{}, err
	}
	_, hasCap := item["planMonthlyCap"]
	return domain.Profile{
		UserID:      userID,
		FirstName:   optStr(item, "firstName"),
		PhoneNumber: optStr(item, "phoneNumber"),
		Translation: optStr(item, "bibleVersion"),
		Plan:        optStr(item, "plan"),
		Subscription: domain.SubscriptionSnapshot{
			Paid:       optBool(item, "isSubscribed"),
			MonthlyCap: planCap,
		},
		HasPlanCap: hasCap,
	}, nil
}
