package repository

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"
)

// fakeDynamo returns canned outputs. The *Errs slices are consumed one
// call at a time; once exhausted calls succeed.
type fakeDynamo struct {
	getOut     *dynamodb.GetItemOutput
	getErr     error
	putErrs    []error
	updateOuts []*dynamodb.UpdateItemOutput
	updateErrs []error
	queryOut   *dynamodb.QueryOutput
	queryErr   error
	txErrs     []error

	getInputs    []*dynamodb.GetItemInput
	putInputs    []*dynamodb.PutItemInput
	updateInputs []*dynamodb.UpdateItemInput
	queryInputs  []*dynamodb.QueryInput
	txInputs     []*dynamodb.TransactWriteItemsInput
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.getInputs = append(f.getInputs, in)
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.putInputs = append(f.putInputs, in)
	return &dynamodb.PutItemOutput{}, pop(&f.putErrs)
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.updateInputs = append(f.updateInputs, in)
	err := pop(&f.updateErrs)
	out := &dynamodb.UpdateItemOutput{}
	if len(f.updateOuts) > 0 {
		out = f.updateOuts[0]
		f.updateOuts = f.updateOuts[1:]
	}
	return out, err
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queryInputs = append(f.queryInputs, in)
	if f.queryOut == nil && f.queryErr == nil {
		return &dynamodb.QueryOutput{}, nil
	}
	return f.queryOut, f.queryErr
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.txInputs = append(f.txInputs, in)
	return &dynamodb.TransactWriteItemsOutput{}, pop(&f.txErrs)
}

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "test-table")
	require.NoError(t, err)
	c.now = func() time.Time { return fixedNow }
	c.newID = func() string { return "id-1" }
	return c
}

func ccf(item map[string]types.AttributeValue) error {
	return &types.ConditionalCheckFailedException{Message: aws.String("condition"), Item: item}
}

func usageItem(period string, count int) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":         sAttr(usagePK("phone:+15555550100")),
		"SK":         sAttr(skCounter),
		"identity":   sAttr("phone:+15555550100"),
		"periodKey":  sAttr(period),
		"msgCount":   nAttr(int64(count)),
		"nudgesSent": nAttr(0),
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "t")
	require.Error(t, err)
	_, err = New(&fakeDynamo{}, " ")
	require.Error(t, err)
}

func TestMsgSK_SortsChronologically(t *testing.T) {
	a := msgSK(fixedNow, 0)
	b := msgSK(fixedNow, 1)
	c := msgSK(fixedNow.Add(time.Nanosecond), 0)
	require.Less(t, a, b)
	require.Less(t, b, c)
	require.Equal(t, "MSG#2026-03-14T09:30:00.000000000Z#0000", a)
}

func TestPeriodKey(t *testing.T) {
	require.Equal(t, "2026-03", PeriodKey(fixedNow))
	require.Equal(t, "2026-04", PeriodKey(time.Date(2026, 3, 31, 23, 0, 0, 0, time.FixedZone("x", -3*3600))))
}
