package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	ttlDuration = 30 * 24 * time.Hour // 30-day TTL on messages

	// Layout of every item in the single state table.
	pkThreadPrefix  = "THREAD#"
	pkUserPrefix    = "USER#"
	pkUsagePrefix   = "USAGE#"
	skPrefixMsg     = "MSG#"
	skPrefixSession = "SESSION#"
	skProfile       = "PROFILE"
	skCounter       = "COUNTER"

	phoneIndexName = "phoneNumber-index"
)

var (
	// ErrNotFound is returned when a requested item does not exist.
	ErrNotFound = errors.New("repository: not found")
	// ErrConditionFailed is returned when a conditional write lost a race or
	// its precondition no longer holds.
	ErrConditionFailed = errors.New("repository: condition failed")
	// ErrQuotaExhausted is returned by ConsumeQuota when the identity has no
	// messages left in the current period.
	ErrQuotaExhausted = errors.New("repository: quota exhausted")
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client wraps the DynamoDB state table: conversation messages, web
// sessions, usage counters and user profiles.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
	newID     func() string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now, newID: newUUID}, nil
}

func threadPK(threadKey string) string { return pkThreadPrefix + threadKey }
func userPK(userID string) string      { return pkUserPrefix + userID }
func usagePK(identity string) string   { return pkUsagePrefix + identity }
func sessionSK(sessionID string) string {
	return skPrefixSession + sessionID
}

// sortableTime is a fixed-width UTC layout so that lexical order matches
// chronological order.
const sortableTime = "2006-01-02T15:04:05.000000000Z"

// msgSK returns the sort key for a message; seq breaks ties between writes
// that land on the same timestamp.
func msgSK(ts time.Time, seq int) string {
	return fmt.Sprintf("%s%s#%04d", skPrefixMsg, ts.UTC().Format(sortableTime), seq)
}

// ttlValue returns a Unix timestamp 30 days after ts.
func ttlValue(ts time.Time) int64 {
	return ts.Add(ttlDuration).Unix()
}

// LifetimePeriod is the period of counters that never reset.
const LifetimePeriod = "lifetime"

// PeriodKey returns the monthly usage period containing ts.
func PeriodKey(ts time.Time) string {
	return ts.UTC().Format("2006-01")
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func sAttr(v string) *types.AttributeValueMemberS { return &types.AttributeValueMemberS{Value: v} }
func nAttr(v int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}
func bAttr(v bool) *types.AttributeValueMemberBOOL { return &types.AttributeValueMemberBOOL{Value: v} }

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

// optStr returns "" for a missing attribute.
func optStr(item map[string]types.AttributeValue, key string) string {
	s, _ := strAttr(item, key)
	return s
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

// optInt returns 0 for a missing attribute but still rejects malformed ones.
func optInt(item map[string]types.AttributeValue, key string) (int, error) {
	if _, ok := item[key]; !ok {
		return 0, nil
	}
	return intAttr(item, key)
}

func optBool(item map[string]types.AttributeValue, key string) bool {
	v, ok := item[key].(*types.AttributeValueMemberBOOL)
	return ok && v.Value
}

func optTime(item map[string]types.AttributeValue, key string) time.Time {
	s := optStr(item, key)
	if s == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return ts
}

func formatTime(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339Nano)
}
