package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"guidance-agent/internal/domain"
)

const identity = "phone:+15555550100"

func TestGetUsage_Missing(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{}})
	u, err := c.GetUsage(context.Background(), identity)
	require.NoError(t, err)
	require.Nil(t, u)
}

func TestGetUsage_WithSubscription(t *testing.T) {
	item := usageItem("2026-03", 2)
	item["paid"] = bAttr(true)
	c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: item}})

	u, err := c.GetUsage(context.Background(), identity)
	require.NoError(t, err)
	require.Equal(t, 2, u.Count)
	require.NotNil(t, u.Subscription)
	require.True(t, u.Subscription.Paid)
	require.True(t, u.Subscription.Unlimited())
}

func TestGetUsage_PlanCap(t *testing.T) {
	item := usageItem("2026-03", 2)
	item["paid"] = bAttr(true)
	item["planCap"] = nAttr(100)
	c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: item}})

	u, err := c.GetUsage(context.Background(), identity)
	require.NoError(t, err)
	require.Equal(t, 100, u.Subscription.MonthlyCap)
}

func TestEnsureUsage(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	created, err := c.EnsureUsage(context.Background(), identity, "")
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "USAGE#"+identity, db.putInputs[0].Item["PK"].(*types.AttributeValueMemberS).Value)

	db = &fakeDynamo{putErrs: []error{ccf(nil)}}
	c = mustNewClient(t, db)
	created, err = c.EnsureUsage(context.Background(), identity, "")
	require.NoError(t, err)
	require.False(t, created)
}

func TestConsumeQuota_Admits(t *testing.T) {
	db := &fakeDynamo{updateOuts: []*dynamodb.UpdateItemOutput{{Attributes: usageItem("2026-03", 3)}}}
	c := mustNewClient(t, db)

	u, err := c.ConsumeQuota(context.Background(), identity, "", "", 5)
	require.NoError(t, err)
	require.Equal(t, 3, u.Count)

	in := db.updateInputs[0]
	require.Contains(t, aws.ToString(in.ConditionExpression), "msgCount < :limit")
	require.Equal(t, "5", in.ExpressionAttributeValues[":limit"].(*types.AttributeValueMemberN).Value)
	require.Equal(t, "2026-03", in.ExpressionAttributeValues[":period"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, types.ReturnValuesOnConditionCheckFailureAllOld, in.ReturnValuesOnConditionCheckFailure)
}

func TestConsumeQuota_Exhausted(t *testing.T) {
	db := &fakeDynamo{updateErrs: []error{ccf(usageItem("2026-03", 5))}}
	c := mustNewClient(t, db)

	u, err := c.ConsumeQuota(context.Background(), identity, "", "", 5)
	require.ErrorIs(t, err, ErrQuotaExhausted)
	require.Equal(t, 5, u.Count)
	require.Len(t, db.updateInputs, 1)
}

func TestConsumeQuota_RollsOverStalePeriod(t *testing.T) {
	db := &fakeDynamo{
		updateErrs: []error{ccf(usageItem("2026-02", 5)), nil, nil},
		updateOuts: []*dynamodb.UpdateItemOutput{{}, {}, {Attributes: usageItem("2026-03", 1)}},
	}
	c := mustNewClient(t, db)

	u, err := c.ConsumeQuota(context.Background(), identity, "", "", 5)
	require.NoError(t, err)
	require.Equal(t, 1, u.Count)
	require.Equal(t, "2026-03", u.PeriodKey)
	require.Len(t, db.updateInputs, 3)
	require.Contains(t, aws.ToString(db.updateInputs[1].UpdateExpression), "msgCount = :zero")
}

func TestConsumeQuota_LifetimePeriod(t *testing.T) {
	db := &fakeDynamo{updateOuts: []*dynamodb.UpdateItemOutput{{Attributes: usageItem(LifetimePeriod, 1)}}}
	c := mustNewClient(t, db)

	u, err := c.ConsumeQuota(context.Background(), "user:u1#session:s1", "u1", LifetimePeriod, 3)
	require.NoError(t, err)
	require.Equal(t, LifetimePeriod, u.PeriodKey)
	in := db.updateInputs[0]
	require.Equal(t, LifetimePeriod, in.ExpressionAttributeValues[":period"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "u1", in.ExpressionAttributeValues[":uid"].(*types.AttributeValueMemberS).Value)
}

func TestConsumeQuota_FallsBackToRead(t *testing.T) {
	db := &fakeDynamo{
		updateErrs: []error{ccf(nil)},
		getOut:     &dynamodb.GetItemOutput{Item: usageItem("2026-03", 5)},
	}
	c := mustNewClient(t, db)

	_, err := c.ConsumeQuota(context.Background(), identity, "", "", 5)
	require.ErrorIs(t, err, ErrQuotaExhausted)
	require.Len(t, db.getInputs, 1)
}

func TestConsumeQuota_ZeroLimit(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}
	c := mustNewClient(t, db)
	_, err := c.ConsumeQuota(context.Background(), identity, "", "", 0)
	require.ErrorIs(t, err, ErrQuotaExhausted)
	require.Empty(t, db.updateInputs)
}

func TestConsumeQuota_StoreError(t *testing.T) {
	db := &fakeDynamo{updateErrs: []error{errors.New("throttled")}}
	c := mustNewClient(t, db)
	_, err := c.ConsumeQuota(context.Background(), identity, "", "", 5)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrQuotaExhausted)
}

func TestRecordNudge(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	ok, err := c.RecordNudge(context.Background(), identity, 3)
	require.NoError(t, err)
	require.True(t, ok)

	db = &fakeDynamo{updateErrs: []error{ccf(nil)}}
	c = mustNewClient(t, db)
	ok, err = c.RecordNudge(context.Background(), identity, 3)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSetOptOut(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.SetOptOut(context.Background(), identity, true))
	require.Contains(t, aws.ToString(db.updateInputs[0].UpdateExpression), "optedOutAt = :now")

	require.NoError(t, c.SetOptOut(context.Background(), identity, false))
	require.Contains(t, aws.ToString(db.updateInputs[1].UpdateExpression), "REMOVE optedOutAt")
	require.False(t, db.updateInputs[1].ExpressionAttributeValues[":opted"].(*types.AttributeValueMemberBOOL).Value)
}

func TestGetProfile(t *testing.T) {
	item := map[string]types.AttributeValue{
		"userId":         sAttr("u1"),
		"firstName":      sAttr("Ruth"),
		"phoneNumber":    sAttr("+15555550100"),
		"bibleVersion":   sAttr("ESV"),
		"isSubscribed":   bAttr(true),
		"planMonthlyCap": nAttr(int64(domain.UnlimitedCap)),
	}
	c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: item}})

	p, err := c.GetProfile(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, "Ruth", p.FirstName)
	require.Equal(t, "ESV", p.Translation)
	require.True(t, p.HasPlanCap)
	require.True(t, p.Subscription.Unlimited())
}

func TestFindProfileByPhone(t *testing.T) {
	db := &fakeDynamo{queryOut: &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{
		{"userId": sAttr("u1"), "phoneNumber": sAttr("+15555550100")},
	}}}
	c := mustNewClient(t, db)

	p, err := c.FindProfileByPhone(context.Background(), "+15555550100")
	require.NoError(t, err)
	require.Equal(t, "u1", p.UserID)
	require.False(t, p.HasPlanCap)
	require.Equal(t, phoneIndexName, aws.ToString(db.queryInputs[0].IndexName))

	c = mustNewClient(t, &fakeDynamo{queryOut: &dynamodb.QueryOutput{}})
	_, err = c.FindProfileByPhone(context.Background(), "+15555550199")
	require.ErrorIs(t, err, ErrNotFound)
}
