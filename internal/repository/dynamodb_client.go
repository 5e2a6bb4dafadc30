package repository

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"advora-intake/internal/domain"
)

const (
	skState     = "STATE"
	skPrefixMsg = "MSG#"
	skPrefixDoc = "DOC#"

	// DynamoDB request limits.
	batchDeleteMax   = 25
	maxTransactItems = 100

	unprocessedRetries = 3
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoStore keeps conversation state in a single DynamoDB table:
//
//	PK=CONTACT#<id> SK=STATE                  stage, checklist, updatedAt
//	PK=CONTACT#<id> SK=MSG#<ts>#<rank>         one history entry, with ttl
//	PK=CONTACT#<id> SK=DOC#<ts>#<record id>    one received document
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
	limits    Limits
	now       func() time.Time
}

// NewDynamoStore creates a DynamoDB-backed store.
func NewDynamoStore(api dynamodbAPI, tableName string, limits Limits) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &DynamoStore{
		api:       api,
		tableName: tableName,
		limits:    limits.withDefaults(),
		now:       time.Now,
	}, nil
}

// contactPK returns the DynamoDB partition key for a contact.
func contactPK(contactID string) string {
	return "CONTACT#" + contactID
}

// roleRank keeps a user turn ahead of the reply stamped in the same instant.
func roleRank(r domain.Role) string {
	switch r {
	case domain.RoleSystem:
		return "0"
	case domain.RoleUser:
		return "1"
	default:
		return "2"
	}
}

// msgSK returns the sort key for a history entry.
func msgSK(t domain.Turn) string {
	return skPrefixMsg + formatTS(t.At) + "#" + roleRank(t.Role)
}

// docSK keys a document on its id alone so a redelivered message hits the
// conditional put instead of creating a second row.
func docSK(rec domain.DocumentRecord) string {
	return skPrefixDoc + rec.ID
}

// Load returns the stored state, or a fresh one for an unknown contact.
// History holds at most MaxHistory entries, oldest first.
func (s *DynamoStore) Load(ctx context.Context, contactID string) (domain.ConversationState, error) {
	pk := contactPK(contactID)
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: skState},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.ConversationState{}, fmt.Errorf("repository: Load get item: %w", err)
	}

	state := domain.NewConversationState(contactID)
	if out != nil && len(out.Item) > 0 {
		if err := decodeStateItem(out.Item, &state); err != nil {
			return domain.ConversationState{}, fmt.Errorf("repository: Load decode state: %w", err)
		}
	}

	qo, err := s.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: pk},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(s.limits.MaxHistory)),
		ConsistentRead:   aws.Bool(true),
	})
	if err != nil {
		return domain.ConversationState{}, fmt.Errorf("repository: Load query history: %w", err)
	}

	history := make([]domain.Turn, 0, len(qo.Items))
	for _, item := range qo.Items {
		turn, err := itemToTurn(item)
		if err != nil {
			return domain.ConversationState{}, fmt.Errorf("repository: Load unmarshal turn: %w", err)
		}
		history = append(history, turn)
	}
	// Reverse to chronological order before returning to prompt assembly.
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	state.History = history
	return state, nil
}

// Save writes the state row and every history entry in one transaction.
// Entries already stored are overwritten with identical content.
func (s *DynamoStore) Save(ctx context.Context, state domain.ConversationState) error {
	if strings.TrimSpace(state.ContactID) == "" {
		return errors.New("repository: Save: contact id is required")
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = s.now()
	}
	pk := contactPK(state.ContactID)

	history := domain.TrimHistory(state.History, maxTransactItems-1)
	items := make([]types.TransactWriteItem, 0, len(history)+1)
	items = append(items, types.TransactWriteItem{
		Put: &types.Put{
			TableName: aws.String(s.tableName),
			Item:      stateItem(pk, state),
		},
	})
	seen := make(map[string]bool, len(history))
	for _, turn := range history {
		sk := msgSK(turn)
		if seen[sk] {
			continue
		}
		seen[sk] = true
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName: aws.String(s.tableName),
				Item:      turnItem(pk, sk, turn, s.limits.Retention),
			},
		})
	}

	_, err := s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		return fmt.Errorf("repository: Save: %w", err)
	}
	return nil
}

// Prune deletes history entries strictly older than cutoff and returns how
// many were removed. Entries stamped exactly at cutoff are kept.
func (s *DynamoStore) Prune(ctx context.Context, contactID string, cutoff time.Time) (int, error) {
	pk := contactPK(contactID)
	var keys []map[string]types.AttributeValue
	var start map[string]types.AttributeValue
	for {
		out, err := s.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND SK BETWEEN :lo AND :hi"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: pk},
				":lo": &types.AttributeValueMemberS{Value: skPrefixMsg},
				// Keys at cutoff carry a "#rank" suffix and sort above this bound.
				":hi": &types.AttributeValueMemberS{Value: skPrefixMsg + formatTS(cutoff)},
			},
			ProjectionExpression: aws.String("PK, SK"),
			ExclusiveStartKey:    start,
		})
		if err != nil {
			return 0, fmt.Errorf("repository: Prune query: %w", err)
		}
		for _, item := range out.Items {
			keys = append(keys, map[string]types.AttributeValue{"PK": item["PK"], "SK": item["SK"]})
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		start = out.LastEvaluatedKey
	}

	for i := 0; i < len(keys); i += batchDeleteMax {
		end := min(i+batchDeleteMax, len(keys))
		reqs := make([]types.WriteRequest, 0, end-i)
		for _, key := range keys[i:end] {
			reqs = append(reqs, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: key}})
		}
		if err := s.batchDelete(ctx, reqs); err != nil {
			return 0, fmt.Errorf("repository: Prune: %w", err)
		}
	}
	return len(keys), nil
}

func (s *DynamoStore) batchDelete(ctx context.Context, reqs []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{s.tableName: reqs}
	for attempt := 0; ; attempt++ {
		out, err := s.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return fmt.Errorf("batch delete: %w", err)
		}
		if out == nil || len(out.UnprocessedItems[s.tableName]) == 0 {
			return nil
		}
		if attempt >= unprocessedRetries {
			return fmt.Errorf("batch delete: %d items left unprocessed", len(out.UnprocessedItems[s.tableName]))
		}
		pending = out.UnprocessedItems
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
}

// AppendDocument adds a record to the contact's document log. Writing the
// same record twice is not an error.
func (s *DynamoStore) AppendDocument(ctx context.Context, rec domain.DocumentRecord) error {
	if rec.ID == "" || rec.ContactID == "" {
		return errors.New("repository: AppendDocument: record id and contact id are required")
	}
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                documentItem(rec),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("repository: AppendDocument: %w", err)
	}
	return nil
}

// Documents lists a contact's document log, oldest first.
func (s *DynamoStore) Documents(ctx context.Context, contactID string) ([]domain.DocumentRecord, error) {
	var recs []domain.DocumentRecord
	var start map[string]types.AttributeValue
	for {
		out, err := s.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: contactPK(contactID)},
				":prefix": &types.AttributeValueMemberS{Value: skPrefixDoc},
			},
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("repository: Documents query: %w", err)
		}
		for _, item := range out.Items {
			rec, err := itemToDocument(item)
			if err != nil {
				return nil, fmt.Errorf("repository: Documents unmarshal: %w", err)
			}
			rec.ContactID = contactID
			recs = append(recs, rec)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		start = out.LastEvaluatedKey
	}
	slices.SortStableFunc(recs, func(a, b domain.DocumentRecord) int {
		if c := a.ReceivedAt.Compare(b.ReceivedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return recs, nil
}

// Ping checks that the table is reachable.
func (s *DynamoStore) Ping(ctx context.Context) error {
	_, err := s.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.tableName)})
	if err != nil {
		return fmt.Errorf("repository: Ping: %w", err)
	}
	return nil
}

func stateItem(pk string, state domain.ConversationState) map[string]types.AttributeValue {
	received := make([]types.AttributeValue, 0, len(state.Checklist.Received))
	for _, k := range sortedKinds(state.Checklist) {
		received = append(received, &types.AttributeValueMemberS{Value: string(k)})
	}
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: pk},
		"SK":        &types.AttributeValueMemberS{Value: skState},
		"contactId": &types.AttributeValueMemberS{Value: state.ContactID},
		"stage":     &types.AttributeValueMemberS{Value: string(state.Stage)},
		"received":  &types.AttributeValueMemberL{Value: received},
		"updatedAt": &types.AttributeValueMemberS{Value: state.UpdatedAt.UTC().Format(time.RFC3339Nano)},
	}
}

func decodeStateItem(item map[string]types.AttributeValue, state *domain.ConversationState) error {
	stage, err := strAttr(item, "stage")
	if err != nil {
		return err
	}
	state.Stage = domain.Stage(stage)

	if v, ok := item["received"].(*types.AttributeValueMemberL); ok {
		for _, el := range v.Value {
			s, ok := el.(*types.AttributeValueMemberS)
			if !ok {
				return errors.New("repository: received list holds a non-string")
			}
			state.Checklist.Received[domain.DocumentKind(s.Value)] = true
		}
	}
	if raw, err := strAttr(item, "updatedAt"); err == nil {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			state.UpdatedAt = ts
		}
	}
	return nil
}

func turnItem(pk, sk string, turn domain.Turn, retention time.Duration) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":   &types.AttributeValueMemberS{Value: pk},
		"SK":   &types.AttributeValueMemberS{Value: sk},
		"role": &types.AttributeValueMemberS{Value: string(turn.Role)},
		"text": &types.AttributeValueMemberS{Value: turn.Text},
		"at":   &types.AttributeValueMemberS{Value: formatTS(turn.At)},
		"ttl":  &types.AttributeValueMemberN{Value: strconv.FormatInt(turn.At.Add(retention).Unix(), 10)},
	}
}

// itemToTurn converts a DynamoDB attribute map to a history entry.
func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Turn{}, err
	}
	text, err := strAttr(item, "text")
	if err != nil {
		return domain.Turn{}, err
	}
	rawAt, err := strAttr(item, "at")
	if err != nil {
		return domain.Turn{}, err
	}
	at, err := time.Parse(tsLayout, rawAt)
	if err != nil {
		return domain.Turn{}, fmt.Errorf("repository: parse attribute \"at\": %w", err)
	}
	return domain.Turn{Role: domain.Role(role), Text: text, At: at.UTC()}, nil
}

func documentItem(rec domain.DocumentRecord) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: contactPK(rec.ContactID)},
		"SK":         &types.AttributeValueMemberS{Value: docSK(rec)},
		"id":         &types.AttributeValueMemberS{Value: rec.ID},
		"messageId":  &types.AttributeValueMemberS{Value: rec.MessageID},
		"kind":       &types.AttributeValueMemberS{Value: string(rec.Kind)},
		"storageRef": &types.AttributeValueMemberS{Value: rec.StorageRef},
		"mimeType":   &types.AttributeValueMemberS{Value: rec.MimeType},
		"receivedAt": &types.AttributeValueMemberS{Value: formatTS(rec.ReceivedAt)},
	}
}

func itemToDocument(item map[string]types.AttributeValue) (domain.DocumentRecord, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.DocumentRecord{}, err
	}
	kind, err := strAttr(item, "kind")
	if err != nil {
		return domain.DocumentRecord{}, err
	}
	messageID, _ := strAttr(item, "messageId")   // allow empty
	storageRef, _ := strAttr(item, "storageRef") // allow empty
	mimeType, _ := strAttr(item, "mimeType")     // allow empty
	rec := domain.DocumentRecord{
		ID:         id,
		MessageID:  messageID,
		Kind:       domain.DocumentKind(kind),
		StorageRef: storageRef,
		MimeType:   mimeType,
	}
	if raw, err := strAttr(item, "receivedAt"); err == nil {
		if at, err := time.Parse(tsLayout, raw); err == nil {
			rec.ReceivedAt = at
		}
	}
	return rec, nil
}

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
