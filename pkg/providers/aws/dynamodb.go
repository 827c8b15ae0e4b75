package aws

import (
	"context"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/anirudhbiyani/cloud-bootstrap/pkg/bootstrap"
)

func tableErr(err error, action, name string) error {
	return classify(err, action, bootstrap.KindLockTable, name)
}

// waitErr classifies a waiter failure. A waiter that ran out of time means the
// table has not settled yet.
func waitErr(err error, action, name string) error {
	cerr := tableErr(err, action, name)
	if bootstrap.IsKind(cerr, bootstrap.KindInternal) {
		return bootstrap.NewError(bootstrap.KindDependencyNotReady, "table did not settle in time").
			WithAction(action).WithResource(bootstrap.KindLockTable, name).WithCause(err)
	}
	return cerr
}

// DescribeTable implements bootstrap.LockTablePlane.
func (p *Plane) DescribeTable(ctx context.Context, name string) (*bootstrap.LiveTable, error) {
	out, err := p.ddb.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(name)})
	if err != nil {
		return nil, tableErr(err, "dynamodb:DescribeTable", name)
	}
	td := out.Table
	t := &bootstrap.LiveTable{
		Name:   aws.ToString(td.TableName),
		ARN:    aws.ToString(td.TableArn),
		Status: string(td.TableStatus),
		Tags:   bootstrap.Tags{},
	}
	for _, ks := range td.KeySchema {
		if ks.KeyType == ddbtypes.KeyTypeHash {
			t.HashKey = aws.ToString(ks.AttributeName)
		}
	}
	if td.SSEDescription != nil {
		t.SSEKeyARN = aws.ToString(td.SSEDescription.KMSMasterKeyArn)
	}

	in := &dynamodb.ListTagsOfResourceInput{ResourceArn: td.TableArn}
	for {
		tags, err := p.ddb.ListTagsOfResource(ctx, in)
		if err != nil {
			return nil, tableErr(err, "dynamodb:ListTagsOfResource", name)
		}
		for _, tag := range tags.Tags {
			t.Tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
		}
		if tags.NextToken == nil {
			break
		}
		in.NextToken = tags.NextToken
	}
	return t, nil
}

func toDynamoTags(tags bootstrap.Tags) []ddbtypes.Tag {
	out := make([]ddbtypes.Tag, 0, len(tags))
	for k, v := range tags {
		out = append(out, ddbtypes.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	sort.Slice(out, func(i, j int) bool { return aws.ToString(out[i].Key) < aws.ToString(out[j].Key) })
	return out
}

// CreateTable implements bootstrap.LockTablePlane. It waits until the table
// is ACTIVE.
func (p *Plane) CreateTable(ctx context.Context, spec *bootstrap.TableSpec) (*bootstrap.LiveTable, error) {
	in := &dynamodb.CreateTableInput{
		TableName: aws.String(spec.Name),
		AttributeDefinitions: []ddbtypes.AttributeDefinition{{
			AttributeName: aws.String(spec.HashKey),
			AttributeType: ddbtypes.ScalarAttributeTypeS,
		}},
		KeySchema: []ddbtypes.KeySchemaElement{{
			AttributeName: aws.String(spec.HashKey),
			KeyType:       ddbtypes.KeyTypeHash,
		}},
		BillingMode: ddbtypes.BillingModePayPerRequest,
		SSESpecification: &ddbtypes.SSESpecification{
			Enabled:        aws.Bool(true),
			SSEType:        ddbtypes.SSETypeKms,
			KMSMasterKeyId: aws.String(spec.KeyARN),
		},
		Tags: toDynamoTags(spec.Tags),
	}
	if _, err := p.ddb.CreateTable(ctx, in); err != nil {
		return nil, tableErr(err, "dynamodb:CreateTable", spec.Name)
	}
	waiter := dynamodb.NewTableExistsWaiter(p.ddb)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(spec.Name)}, p.tableWait); err != nil {
		return nil, waitErr(err, "dynamodb:CreateTable", spec.Name)
	}
	return p.DescribeTable(ctx, spec.Name)
}

// DeleteTable implements bootstrap.LockTablePlane. It waits until the table
// is gone.
func (p *Plane) DeleteTable(ctx context.Context, name string) error {
	_, err := p.ddb.DeleteTable(ctx, &dynamodb.DeleteTableInput{TableName: aws.String(name)})
	if err != nil {
		cerr := tableErr(err, "dynamodb:DeleteTable", name)
		// A table still being created or updated cannot be deleted yet.
		if bootstrap.IsKind(cerr, bootstrap.KindAlreadyExists) {
			return bootstrap.NewError(bootstrap.KindDependencyNotReady, "table is in use").
				WithAction("dynamodb:DeleteTable").WithResource(bootstrap.KindLockTable, name).WithCause(err)
		}
		return cerr
	}
	waiter := dynamodb.NewTableNotExistsWaiter(p.ddb)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(name)}, p.tableWait); err != nil {
		return waitErr(err, "dynamodb:DeleteTable", name)
	}
	return nil
}
