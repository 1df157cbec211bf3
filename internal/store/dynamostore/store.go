// Package dynamostore persists conversations in a single DynamoDB table.
//
// Layout: every conversation is one partition keyed CONV#<id>. The META# item holds
// the title and timestamps; each turn is a MSG#<created>#<messageId> item so a Query
// on the partition returns turns in creation order. The META item is the source of
// truth for existence: writes are conditioned on it and reads check it first.
package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/buddychat/internal/model/chat"
)

const (
	skMeta      = "META#"
	skPrefixMsg = "MSG#"

	// fixed width so sort keys order lexicographically
	msgTimeLayout = "2006-01-02T15:04:05.000000Z"

	batchWriteLimit   = 25
	batchWriteRetries = 5
	lastMessageFanout = 8
)

// dynamodbAPI is the minimal DynamoDB interface required by Store.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// Store implements chat.Store on DynamoDB.
type Store struct {
	api       dynamodbAPI
	tableName string
	clock     *chat.Clock
}

var _ chat.Store = (*Store)(nil)

// New creates a Store over an existing table with string keys PK and SK.
func New(api dynamodbAPI, tableName string) (*Store, error) {
	if api == nil {
		return nil, errors.New("dynamostore: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("dynamostore: table name must not be empty")
	}
	return &Store{api: api, tableName: tableName, clock: chat.NewClock()}, nil
}

func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

func msgSK(ts time.Time, messageID string) string {
	return skPrefixMsg + ts.UTC().Format(msgTimeLayout) + "#" + messageID
}

func (s *Store) key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// LoadHistory returns the turns of an existing conversation, or none.
func (s *Store) LoadHistory(ctx context.Context, conversationID string) ([]chat.HistoryEntry, error) {
	exists, err := s.metaExists(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("dynamostore: LoadHistory: %w", err)
	}
	if !exists {
		return []chat.HistoryEntry{}, nil
	}

	messages, err := s.queryMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("dynamostore: LoadHistory: %w", err)
	}
	history := make([]chat.HistoryEntry, 0, len(messages))
	for _, m := range messages {
		history = append(history, chat.HistoryEntry{Role: m.Role, Content: m.Content})
	}
	return history, nil
}

// CreateConversation writes the META item.
func (s *Store) CreateConversation(ctx context.Context, titleSeed string) (chat.Conversation, error) {
	now := s.clock.Now()
	conversation := chat.Conversation{
		ID:        uuid.NewString(),
		Title:     chat.TitleFromSeed(titleSeed),
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                metaItem(conversation),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("dynamostore: CreateConversation: %w", err)
	}
	return conversation, nil
}

// AppendTurn writes a MSG item in a transaction that requires META to exist.
func (s *Store) AppendTurn(ctx context.Context, conversationID string, role chat.Role, content string) (chat.Message, error) {
	if !role.Valid() {
		return chat.Message{}, fmt.Errorf("%w: %q", chat.ErrInvalidRole, role)
	}

	message := chat.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      s.clock.Now(),
	}

	_, err := s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				ConditionCheck: &types.ConditionCheck{
					TableName:           aws.String(s.tableName),
					Key:                 s.key(convPK(conversationID), skMeta),
					ConditionExpression: aws.String("attribute_exists(PK)"),
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(s.tableName),
					Item:                messageItem(message),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
		},
	})
	if err != nil {
		if conditionFailed(err) {
			return chat.Message{}, chat.ErrConversationNotFound
		}
		return chat.Message{}, fmt.Errorf("dynamostore: AppendTurn: %w", err)
	}
	return message, nil
}

// CompleteTurn writes the assistant MSG item and bumps updatedUs on META in one
// transaction.
func (s *Store) CompleteTurn(ctx context.Context, conversationID string, content string) (chat.Message, error) {
	message := chat.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           chat.RoleAssistant,
		Content:        content,
		CreatedAt:      s.clock.Now(),
	}

	_, err := s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(s.tableName),
					Item:                messageItem(message),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Update: &types.Update{
					TableName:           aws.String(s.tableName),
					Key:                 s.key(convPK(conversationID), skMeta),
					UpdateExpression:    aws.String("SET updatedUs = :updated"),
					ConditionExpression: aws.String("attribute_exists(PK)"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":updated": numberAttr(s.clock.Now().UnixMicro()),
					},
				},
			},
		},
	})
	if err != nil {
		if conditionFailed(err) {
			return chat.Message{}, chat.ErrConversationNotFound
		}
		return chat.Message{}, fmt.Errorf("dynamostore: CompleteTurn: %w", err)
	}
	return message, nil
}

// TouchConversation bumps updatedUs on META.
func (s *Store) TouchConversation(ctx context.Context, conversationID string) error {
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 s.key(convPK(conversationID), skMeta),
		UpdateExpression:    aws.String("SET updatedUs = :updated"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":updated": numberAttr(s.clock.Now().UnixMicro()),
		},
	})
	if err != nil {
		if conditionFailed(err) {
			return chat.ErrConversationNotFound
		}
		return fmt.Errorf("dynamostore: TouchConversation: %w", err)
	}
	return nil
}

// DeleteConversation removes META first, which hides the conversation from every
// read, then clears the MSG items in batches.
func (s *Store) DeleteConversation(ctx context.Context, conversationID string) error {
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 s.key(convPK(conversationID), skMeta),
		ConditionExpression: aws.String("attribute_exists(PK)"),
	})
	if err != nil {
		if conditionFailed(err) {
			return chat.ErrConversationNotFound
		}
		return fmt.Errorf("dynamostore: DeleteConversation: %w", err)
	}

	keys, err := s.queryMessageKeys(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("dynamostore: DeleteConversation: %w", err)
	}
	for start := 0; start < len(keys); start += batchWriteLimit {
		end := min(start+batchWriteLimit, len(keys))
		if err := s.batchDelete(ctx, keys[start:end]); err != nil {
			return fmt.Errorf("dynamostore: DeleteConversation: %w", err)
		}
	}
	return nil
}

// ListConversations scans META items and resolves each last message concurrently.
func (s *Store) ListConversations(ctx context.Context) ([]chat.ConversationSummary, error) {
	var conversations []chat.Conversation
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(s.tableName),
			FilterExpression: aws.String("SK = :meta"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":meta": &types.AttributeValueMemberS{Value: skMeta},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("dynamostore: ListConversations scan: %w", err)
		}
		for _, item := range out.Items {
			conversation, err := itemToConversation(item)
			if err != nil {
				return nil, fmt.Errorf("dynamostore: ListConversations unmarshal: %w", err)
			}
			conversations = append(conversations, conversation)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}

	sort.Slice(conversations, func(i, j int) bool {
		return conversations[i].UpdatedAt.After(conversations[j].UpdatedAt)
	})

	summaries := make([]chat.ConversationSummary, len(conversations))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(lastMessageFanout)
	for i, conversation := range conversations {
		i, conversation := i, conversation
		summaries[i].Conversation = conversation
		g.Go(func() error {
			last, err := s.lastMessage(gctx, conversation.ID)
			if err != nil {
				return err
			}
			summaries[i].LastMessage = last
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("dynamostore: ListConversations last message: %w", err)
	}
	return summaries, nil
}

// ListMessages returns the turns of an existing conversation.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	exists, err := s.metaExists(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("dynamostore: ListMessages: %w", err)
	}
	if !exists {
		return nil, chat.ErrConversationNotFound
	}

	messages, err := s.queryMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("dynamostore: ListMessages: %w", err)
	}
	return messages, nil
}

func (s *Store) metaExists(ctx context.Context, conversationID string) (bool, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(s.tableName),
		Key:                  s.key(convPK(conversationID), skMeta),
		ConsistentRead:       aws.Bool(true),
		ProjectionExpression: aws.String("PK"),
	})
	if err != nil {
		return false, fmt.Errorf("get meta: %w", err)
	}
	return out != nil && len(out.Item) > 0, nil
}

func (s *Store) messageQuery(conversationID string) *dynamodb.QueryInput {
	return &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		ConsistentRead: aws.Bool(true),
	}
}

func (s *Store) queryMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	in := s.messageQuery(conversationID)
	in.ScanIndexForward = aws.Bool(true)

	messages := make([]chat.Message, 0)
	for {
		out, err := s.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("query messages: %w", err)
		}
		for _, item := range out.Items {
			m, err := itemToMessage(item)
			if err != nil {
				return nil, fmt.Errorf("unmarshal message: %w", err)
			}
			messages = append(messages, m)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return messages, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (s *Store) queryMessageKeys(ctx context.Context, conversationID string) ([]map[string]types.AttributeValue, error) {
	in := s.messageQuery(conversationID)
	in.ProjectionExpression = aws.String("PK, SK")

	var keys []map[string]types.AttributeValue
	for {
		out, err := s.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("query message keys: %w", err)
		}
		for _, item := range out.Items {
			keys = append(keys, map[string]types.AttributeValue{"PK": item["PK"], "SK": item["SK"]})
		}
		if len(out.LastEvaluatedKey) == 0 {
			return keys, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (s *Store) lastMessage(ctx context.Context, conversationID string) (*string, error) {
	in := s.messageQuery(conversationID)
	in.ScanIndexForward = aws.Bool(false)
	in.Limit = aws.Int32(1)
	in.ProjectionExpression = aws.String("content")

	out, err := s.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("query last message: %w", err)
	}
	if len(out.Items) == 0 {
		return nil, nil
	}
	content, err := strAttr(out.Items[0], "content")
	if err != nil {
		return nil, err
	}
	return &content, nil
}

func (s *Store) batchDelete(ctx context.Context, keys []map[string]types.AttributeValue) error {
	requests := make([]types.WriteRequest, 0, len(keys))
	for _, k := range keys {
		requests = append(requests, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: k}})
	}

	pending := map[string][]types.WriteRequest{s.tableName: requests}
	for attempt := 0; attempt < batchWriteRetries; attempt++ {
		out, err := s.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return fmt.Errorf("batch delete: %w", err)
		}
		if len(out.UnprocessedItems[s.tableName]) == 0 {
			return nil
		}
		pending = out.UnprocessedItems

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	return fmt.Errorf("batch delete: %d items left unprocessed", len(pending[s.tableName]))
}

func conditionFailed(err error) bool {
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return true
	}
	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for _, reason := range txErr.CancellationReasons {
			if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
				return true
			}
		}
	}
	return false
}

func metaItem(c chat.Conversation) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(c.ID)},
		"SK":             &types.AttributeValueMemberS{Value: skMeta},
		"conversationId": &types.AttributeValueMemberS{Value: c.ID},
		"title":          &types.AttributeValueMemberS{Value: c.Title},
		"createdUs":      numberAttr(c.CreatedAt.UnixMicro()),
		"updatedUs":      numberAttr(c.UpdatedAt.UnixMicro()),
	}
}

func messageItem(m chat.Message) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(m.ConversationID)},
		"SK":             &types.AttributeValueMemberS{Value: msgSK(m.CreatedAt, m.ID)},
		"conversationId": &types.AttributeValueMemberS{Value: m.ConversationID},
		"messageId":      &types.AttributeValueMemberS{Value: m.ID},
		"role":           &types.AttributeValueMemberS{Value: string(m.Role)},
		"content":        &types.AttributeValueMemberS{Value: m.Content},
		"createdUs":      numberAttr(m.CreatedAt.UnixMicro()),
	}
}

func itemToConversation(item map[string]types.AttributeValue) (chat.Conversation, error) {
	id, err := strAttr(item, "conversationId")
	if err != nil {
		return chat.Conversation{}, err
	}
	title, err := strAttr(item, "title")
	if err != nil {
		return chat.Conversation{}, err
	}
	created, err := int64Attr(item, "createdUs")
	if err != nil {
		return chat.Conversation{}, err
	}
	updated, err := int64Attr(item, "updatedUs")
	if err != nil {
		return chat.Conversation{}, err
	}
	return chat.Conversation{
		ID:        id,
		Title:     title,
		CreatedAt: time.UnixMicro(created).UTC(),
		UpdatedAt: time.UnixMicro(updated).UTC(),
	}, nil
}

func itemToMessage(item map[string]types.AttributeValue) (chat.Message, error) {
	id, err := strAttr(item, "messageId")
	if err != nil {
		return chat.Message{}, err
	}
	conversationID, err := strAttr(item, "conversationId")
	if err != nil {
		return chat.Message{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return chat.Message{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return chat.Message{}, err
	}
	created, err := int64Attr(item, "createdUs")
	if err != nil {
		return chat.Message{}, err
	}
	return chat.Message{
		ID:             id,
		ConversationID: conversationID,
		Role:           chat.Role(role),
		Content:        content,
		CreatedAt:      time.UnixMicro(created).UTC(),
	}, nil
}

func numberAttr(v int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("attribute %q is not a string", key)
	}
	return s.Value, nil
}

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
