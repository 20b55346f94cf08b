package dynamo

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celerix-dev/crowdgate/pkg/sdk"
)

// fakeAPI records the last input of each call and returns canned outputs.
type fakeAPI struct {
	query    *dynamodb.QueryInput
	queryOut *dynamodb.QueryOutput
	scan     *dynamodb.ScanInput
	put      *dynamodb.PutItemInput
	update   *dynamodb.UpdateItemInput
	del      *dynamodb.DeleteItemInput
	describe *dynamodb.DescribeTableOutput
	err      error
}

func (f *fakeAPI) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.query = in
	if f.err != nil {
		return nil, f.err
	}
	if f.queryOut == nil {
		return &dynamodb.QueryOutput{}, nil
	}
	return f.queryOut, nil
}

func (f *fakeAPI) Scan(ctx context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.scan = in
	return &dynamodb.ScanOutput{}, f.err
}

func (f *fakeAPI) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.put = in
	return &dynamodb.PutItemOutput{}, f.err
}

func (f *fakeAPI) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.update = in
	return &dynamodb.UpdateItemOutput{}, f.err
}

func (f *fakeAPI) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.del = in
	return &dynamodb.DeleteItemOutput{}, f.err
}

func (f *fakeAPI) DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.describe, nil
}

func TestQuery_BuildsKeyCondition(t *testing.T) {
	api := &fakeAPI{queryOut: &dynamodb.QueryOutput{
		Items: []map[string]types.AttributeValue{{
			"identifier":  &types.AttributeValueMemberS{Value: "W1"},
			"unit_id":     &types.AttributeValueMemberS{Value: "U1"},
			"in_progress": &types.AttributeValueMemberS{Value: "true"},
		}},
		LastEvaluatedKey: map[string]types.AttributeValue{
			"identifier": &types.AttributeValueMemberS{Value: "W1"},
			"unit_id":    &types.AttributeValueMemberS{Value: "U1"},
		},
	}}
	s := NewStore(api)

	page, err := s.Query(context.Background(), "acl", "unit_id-index", "unit_id", "U1", "")
	require.NoError(t, err)
	assert.Equal(t, "acl", aws.ToString(api.query.TableName))
	assert.Equal(t, "unit_id-index", aws.ToString(api.query.IndexName))
	assert.Equal(t, "#k = :v", aws.ToString(api.query.KeyConditionExpression))
	assert.Equal(t, map[string]string{"#k": "unit_id"}, api.query.ExpressionAttributeNames)
	assert.Equal(t, &types.AttributeValueMemberS{Value: "U1"}, api.query.ExpressionAttributeValues[":v"])
	assert.Nil(t, api.query.ExclusiveStartKey)

	require.Len(t, page.Items, 1)
	assert.Equal(t, "true", page.Items[0]["in_progress"])
	require.NotEmpty(t, page.Next)

	// The token resumes from the same key.
	_, err = s.Query(context.Background(), "acl", "", "identifier", "W1", page.Next)
	require.NoError(t, err)
	assert.Nil(t, api.query.IndexName)
	assert.Equal(t, &types.AttributeValueMemberS{Value: "U1"}, api.query.ExclusiveStartKey["unit_id"])
}

func TestToken_RoundTrip(t *testing.T) {
	last := map[string]types.AttributeValue{
		"s": &types.AttributeValueMemberS{Value: "a-b"},
		"n": &types.AttributeValueMemberN{Value: "42"},
		"b": &types.AttributeValueMemberB{Value: []byte{0, 1, 2}},
	}
	tok, err := encodeToken(last)
	require.NoError(t, err)
	got, err := decodeToken(tok)
	require.NoError(t, err)
	assert.Equal(t, last, got)

	empty, err := encodeToken(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = decodeToken("%%%")
	assert.Error(t, err)

	_, err = encodeToken(map[string]types.AttributeValue{"x": &types.AttributeValueMemberBOOL{Value: true}})
	assert.Error(t, err)
}

func TestUpdate_CompactsPaths(t *testing.T) {
	api := &fakeAPI{}
	s := NewStore(api)

	err := s.Update(context.Background(), "acl", sdk.Key{"identifier": "W1"}, map[string]any{
		"a":           1,
		"a.b":         2,
		"in_progress": "false",
	})
	require.NoError(t, err)

	assert.Equal(t, "SET #p0 = :v0, #p1 = :v1", aws.ToString(api.update.UpdateExpression))
	assert.Equal(t, map[string]string{"#p0": "a", "#p1": "in_progress"}, api.update.ExpressionAttributeNames)
	assert.Equal(t, &types.AttributeValueMemberN{Value: "1"}, api.update.ExpressionAttributeValues[":v0"])
	assert.Equal(t, &types.AttributeValueMemberS{Value: "W1"}, api.update.Key["identifier"])
}

func TestUpdateExpression_NestedPath(t *testing.T) {
	expr, names, values, err := updateExpression(map[string]any{"meta.score": 3})
	require.NoError(t, err)
	assert.Equal(t, "SET #p0.#p1 = :v0", expr)
	assert.Equal(t, map[string]string{"#p0": "meta", "#p1": "score"}, names)
	assert.Len(t, values, 1)

	_, _, _, err = updateExpression(nil)
	assert.Error(t, err)
}

func TestPutAndDelete(t *testing.T) {
	api := &fakeAPI{}
	s := NewStore(api)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "data", sdk.Item{"identifier": "W1", "sequence": "W1-ip-U1-0-0", "try": 1}))
	assert.Equal(t, &types.AttributeValueMemberN{Value: "1"}, api.put.Item["try"])

	require.NoError(t, s.Delete(ctx, "data", sdk.Key{"identifier": "W1", "sequence": "W1-ip-U1-0-0"}))
	assert.Len(t, api.del.Key, 2)

	require.NoError(t, func() error { _, err := s.Scan(ctx, "data", "", ""); return err }())
	assert.Nil(t, api.scan.IndexName)
}

func TestDescribeTable(t *testing.T) {
	api := &fakeAPI{describe: &dynamodb.DescribeTableOutput{Table: &types.TableDescription{
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("identifier"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("sequence"), KeyType: types.KeyTypeRange},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("identifier"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("sequence"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("unit_id"), AttributeType: types.ScalarAttributeTypeS},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndexDescription{
			{IndexName: aws.String("unit_id-index"), KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("unit_id"), KeyType: types.KeyTypeHash},
			}},
		},
	}}}
	s := NewStore(api)

	got, err := s.DescribeTable(context.Background(), "data")
	require.NoError(t, err)
	want := sdk.Schema{
		Table:        "data",
		PartitionKey: "identifier",
		SortKey:      "sequence",
		AttributeTypes: map[string]string{
			"identifier": "S",
			"sequence":   "S",
			"unit_id":    "S",
		},
		Indexes: map[string]string{"unit_id-index": "unit_id"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("schema mismatch (-want +got):\n%s", diff)
	}

	api.describe = &dynamodb.DescribeTableOutput{}
	_, err = s.DescribeTable(context.Background(), "data")
	var schemaErr *sdk.SchemaError
	assert.ErrorAs(t, err, &schemaErr)
}

func TestWrapErr(t *testing.T) {
	apiErr := &smithy.GenericAPIError{Code: "ProvisionedThroughputExceededException", Message: "slow down"}
	respErr := &awshttp.ResponseError{
		ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: 400}},
			Err:      apiErr,
		},
		RequestID: "req-123",
	}
	s := NewStore(&fakeAPI{err: respErr})

	err := s.Put(context.Background(), "acl", sdk.Item{"identifier": "W1"})
	var se *sdk.StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "put", se.Op)
	assert.Equal(t, "acl", se.Table)
	assert.Equal(t, 400, se.StatusCode)
	assert.Equal(t, "req-123", se.RequestID)
	assert.Equal(t, "ProvisionedThroughputExceededException", se.Code)

	missing := NewStore(&fakeAPI{err: &types.ResourceNotFoundException{Message: aws.String("no table")}})
	_, err = missing.DescribeTable(context.Background(), "nope")
	assert.True(t, errors.Is(err, sdk.ErrNotFound))
}

func TestPool_SharesClientsPerKey(t *testing.T) {
	opened := 0
	p := NewPool()
	p.open = func(ctx context.Context, key ClientKey) (*Store, error) {
		opened++
		return NewStore(&fakeAPI{}), nil
	}
	ctx := context.Background()
	a := ClientKey{Region: "eu-west-1"}
	b := ClientKey{Region: "eu-west-1", Endpoint: "http://localhost:8000"}

	s1, err := p.Get(ctx, a)
	require.NoError(t, err)
	s2, err := p.Get(ctx, a)
	require.NoError(t, err)
	s3, err := p.Get(ctx, b)
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.NotSame(t, s1, s3)
	assert.Equal(t, 2, opened)
	assert.Equal(t, 2, p.Len())
}

func TestOpen_StaticCredentials(t *testing.T) {
	s, err := Open(context.Background(), ClientKey{
		Region:    "us-east-1",
		Endpoint:  "http://localhost:8000",
		AccessKey: "local",
		SecretKey: "local",
	})
	require.NoError(t, err)
	assert.NotNil(t, s)
}
