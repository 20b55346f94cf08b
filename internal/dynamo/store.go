// Package dynamo implements the crowdgate store contract on Amazon DynamoDB.
// Secondary index reads are eventually consistent, which is exactly what the
// claim protocol is built to tolerate.
package dynamo

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/celerix-dev/crowdgate/pkg/sdk"
)

// API is the subset of *dynamodb.Client the store uses.
type API interface {
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Store is an sdk.Store backed by DynamoDB.
type Store struct {
	api API
}

var _ sdk.Store = (*Store)(nil)

// NewStore wraps an existing client.
func NewStore(api API) *Store {
	return &Store{api: api}
}

func (s *Store) Query(ctx context.Context, table, index, keyName string, keyValue any, token string) (sdk.Page, error) {
	v, err := attributevalue.Marshal(keyValue)
	if err != nil {
		return sdk.Page{}, sdk.Wrap("query", table, err)
	}
	start, err := decodeToken(token)
	if err != nil {
		return sdk.Page{}, sdk.Wrap("query", table, err)
	}
	in := &dynamodb.QueryInput{
		TableName:                 aws.String(table),
		KeyConditionExpression:    aws.String("#k = :v"),
		ExpressionAttributeNames:  map[string]string{"#k": keyName},
		ExpressionAttributeValues: map[string]types.AttributeValue{":v": v},
		ExclusiveStartKey:         start,
	}
	if index != "" {
		in.IndexName = aws.String(index)
	}
	out, err := s.api.Query(ctx, in)
	if err != nil {
		return sdk.Page{}, wrapErr("query", table, err)
	}
	return toPage(table, out.Items, out.LastEvaluatedKey)
}

func (s *Store) Scan(ctx context.Context, table, index, token string) (sdk.Page, error) {
	start, err := decodeToken(token)
	if err != nil {
		return sdk.Page{}, sdk.Wrap("scan", table, err)
	}
	in := &dynamodb.ScanInput{
		TableName:         aws.String(table),
		ExclusiveStartKey: start,
	}
	if index != "" {
		in.IndexName = aws.String(index)
	}
	out, err := s.api.Scan(ctx, in)
	if err != nil {
		return sdk.Page{}, wrapErr("scan", table, err)
	}
	return toPage(table, out.Items, out.LastEvaluatedKey)
}

func (s *Store) Put(ctx context.Context, table string, item sdk.Item) error {
	av, err := attributevalue.MarshalMap(map[string]any(item))
	if err != nil {
		return sdk.Wrap("put", table, err)
	}
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item:      av,
	})
	if err != nil {
		return wrapErr("put", table, err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, table string, key sdk.Key, sets map[string]any) error {
	k, err := attributevalue.MarshalMap(map[string]any(key))
	if err != nil {
		return sdk.Wrap("update", table, err)
	}
	expr, names, values, err := updateExpression(sets)
	if err != nil {
		return sdk.Wrap("update", table, err)
	}
	_, err = s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(table),
		Key:                       k,
		UpdateExpression:          aws.String(expr),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return wrapErr("update", table, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, table string, key sdk.Key) error {
	k, err := attributevalue.MarshalMap(map[string]any(key))
	if err != nil {
		return sdk.Wrap("delete", table, err)
	}
	_, err = s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(table),
		Key:       k,
	})
	if err != nil {
		return wrapErr("delete", table, err)
	}
	return nil
}

func (s *Store) DescribeTable(ctx context.Context, table string) (sdk.Schema, error) {
	out, err := s.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)})
	if err != nil {
		return sdk.Schema{}, wrapErr("describe", table, err)
	}
	if out.Table == nil {
		return sdk.Schema{}, &sdk.SchemaError{Table: table, Reason: "empty table description"}
	}
	return toSchema(table, out.Table), nil
}

func toSchema(table string, d *types.TableDescription) sdk.Schema {
	s := sdk.Schema{
		Table:          table,
		AttributeTypes: make(map[string]string, len(d.AttributeDefinitions)),
	}
	s.PartitionKey, s.SortKey = keyNames(d.KeySchema)
	for _, def := range d.AttributeDefinitions {
		s.AttributeTypes[aws.ToString(def.AttributeName)] = string(def.AttributeType)
	}
	for _, gsi := range d.GlobalSecondaryIndexes {
		hash, _ := keyNames(gsi.KeySchema)
		if s.Indexes == nil {
			s.Indexes = make(map[string]string)
		}
		s.Indexes[aws.ToString(gsi.IndexName)] = hash
	}
	for _, lsi := range d.LocalSecondaryIndexes {
		_, rng := keyNames(lsi.KeySchema)
		if s.Indexes == nil {
			s.Indexes = make(map[string]string)
		}
		s.Indexes[aws.ToString(lsi.IndexName)] = rng
	}
	return s
}

func keyNames(ks []types.KeySchemaElement) (hash, rng string) {
	for _, k := range ks {
		switch k.KeyType {
		case types.KeyTypeHash:
			hash = aws.ToString(k.AttributeName)
		case types.KeyTypeRange:
			rng = aws.ToString(k.AttributeName)
		}
	}
	return hash, rng
}

// updateExpression renders SET clauses for the compacted paths. Every path
// segment gets its own placeholder so reserved words and dots are safe.
func updateExpression(sets map[string]any) (string, map[string]string, map[string]types.AttributeValue, error) {
	paths, values := sdk.CompactPaths(sets)
	if len(paths) == 0 {
		return "", nil, nil, fmt.Errorf("update without attributes")
	}
	names := make(map[string]string)
	avs := make(map[string]types.AttributeValue, len(paths))
	clauses := make([]string, 0, len(paths))
	n := 0
	for i, p := range paths {
		segs := sdk.SplitPath(p)
		refs := make([]string, len(segs))
		for j, seg := range segs {
			ref := fmt.Sprintf("#p%d", n)
			n++
			names[ref] = seg
			refs[j] = ref
		}
		av, err := attributevalue.Marshal(values[p])
		if err != nil {
			return "", nil, nil, err
		}
		vref := fmt.Sprintf(":v%d", i)
		avs[vref] = av
		clauses = append(clauses, strings.Join(refs, ".")+" = "+vref)
	}
	return "SET " + strings.Join(clauses, ", "), names, avs, nil
}

func toPage(table string, items []map[string]types.AttributeValue, last map[string]types.AttributeValue) (sdk.Page, error) {
	page := sdk.Page{Items: make([]sdk.Item, 0, len(items))}
	for _, raw := range items {
		var item map[string]any
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			return sdk.Page{}, sdk.Wrap("decode", table, err)
		}
		page.Items = append(page.Items, item)
	}
	next, err := encodeToken(last)
	if err != nil {
		return sdk.Page{}, sdk.Wrap("decode", table, err)
	}
	page.Next = next
	return page, nil
}

// tokenValue keeps the attribute type of a key value across the opaque
// continuation token.
type tokenValue struct {
	T string `json:"t"`
	V string `json:"v"`
}

func encodeToken(last map[string]types.AttributeValue) (string, error) {
	if len(last) == 0 {
		return "", nil
	}
	out := make(map[string]tokenValue, len(last))
	keys := make([]string, 0, len(last))
	for k := range last {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := last[k].(type) {
		case *types.AttributeValueMemberS:
			out[k] = tokenValue{T: sdk.TypeString, V: v.Value}
		case *types.AttributeValueMemberN:
			out[k] = tokenValue{T: sdk.TypeNumber, V: v.Value}
		case *types.AttributeValueMemberB:
			out[k] = tokenValue{T: sdk.TypeBinary, V: base64.StdEncoding.EncodeToString(v.Value)}
		default:
			return "", fmt.Errorf("unsupported key attribute type %T for %s", v, k)
		}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func decodeToken(token string) (map[string]types.AttributeValue, error) {
	if token == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("invalid page token: %w", err)
	}
	var in map[string]tokenValue
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("invalid page token: %w", err)
	}
	out := make(map[string]types.AttributeValue, len(in))
	for k, v := range in {
		switch v.T {
		case sdk.TypeString:
			out[k] = &types.AttributeValueMemberS{Value: v.V}
		case sdk.TypeNumber:
			out[k] = &types.AttributeValueMemberN{Value: v.V}
		case sdk.TypeBinary:
			b, err := base64.StdEncoding.DecodeString(v.V)
			if err != nil {
				return nil, fmt.Errorf("invalid page token: %w", err)
			}
			out[k] = &types.AttributeValueMemberB{Value: b}
		default:
			return nil, fmt.Errorf("invalid page token: attribute type %q", v.T)
		}
	}
	return out, nil
}

// wrapErr lifts an SDK failure into a *sdk.StoreError carrying the HTTP
// status, request id and service error code.
func wrapErr(op, table string, err error) error {
	se := &sdk.StoreError{Op: op, Table: table, Err: err}
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		se.StatusCode = re.HTTPStatusCode()
		se.RequestID = re.ServiceRequestID()
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		se.Code = ae.ErrorCode()
	}
	var nf *types.ResourceNotFoundException
	if errors.As(err, &nf) {
		se.Err = errors.Join(sdk.ErrNotFound, err)
	}
	return se
}
