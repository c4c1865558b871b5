package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/DKeken/axion-stack-sub001/internal/auth/domain"
)

var ErrDynamoUnavailable = errors.New("dynamodb unavailable")

const (
	pkRefreshToken   = "REFRESH_TOKEN#"
	pkRefreshTokenID = "REFRESH_TOKEN_ID#"
	pkFamily         = "FAMILY#"
	pkSession        = "SESSION#"
	pkUser           = "USER#"

	skMetadata = "METADATA"
	skToken    = "TOKEN#"
	skSession  = "SESSION#"

	conditionalCheckFailed = "ConditionalCheckFailed"
	transactionConflict    = "TransactionConflict"

	transactConflictRetries = 3
)

// DynamoAPI is the subset of *dynamodb.Client the store calls.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

type tokenItem struct {
	PK              string `dynamodbav:"PK"`
	SK              string `dynamodbav:"SK"`
	ID              string `dynamodbav:"ID"`
	JTI             string `dynamodbav:"JTI"`
	UserID          string `dynamodbav:"UserID"`
	FamilyID        string `dynamodbav:"FamilyID"`
	SessionID       string `dynamodbav:"SessionID"`
	FingerprintHash string `dynamodbav:"FingerprintHash"`
	ExpiresAt       int64  `dynamodbav:"ExpiresAt"`
	CreatedAt       int64  `dynamodbav:"CreatedAt"`
	UsedAt          *int64 `dynamodbav:"UsedAt,omitempty"`
	RevokedAt       *int64 `dynamodbav:"RevokedAt,omitempty"`
	RevokedReason   string `dynamodbav:"RevokedReason,omitempty"`
}

type familyItem struct {
	PK            string `dynamodbav:"PK"`
	SK            string `dynamodbav:"SK"`
	UserID        string `dynamodbav:"UserID"`
	RevokedAt     *int64 `dynamodbav:"RevokedAt,omitempty"`
	RevokedReason string `dynamodbav:"RevokedReason,omitempty"`
}

type sessionItem struct {
	PK                    string `dynamodbav:"PK"`
	SK                    string `dynamodbav:"SK"`
	ID                    string `dynamodbav:"ID"`
	UserID                string `dynamodbav:"UserID"`
	FingerprintHash       string `dynamodbav:"FingerprintHash"`
	DeviceInfo            string `dynamodbav:"DeviceInfo"`
	UserAgent             string `dynamodbav:"UserAgent"`
	IPAddress             string `dynamodbav:"IPAddress"`
	IsActive              bool   `dynamodbav:"IsActive"`
	CurrentRefreshTokenID string `dynamodbav:"CurrentRefreshTokenID"`
	InvalidatedReason     string `dynamodbav:"InvalidatedReason"`
	CreatedAt             int64  `dynamodbav:"CreatedAt"`
	UpdatedAt             int64  `dynamodbav:"UpdatedAt"`
	Version               int64  `dynamodbav:"Version"`
}

// DynamoTokenStore keeps every record in one table keyed by PK/SK. A family
// marker item is sealed on revocation and every rotation carries a condition
// check on it, so no successor can be written into a revoked family.
type DynamoTokenStore struct {
	client    DynamoAPI
	tableName string
}

func NewDynamoTokenStore(client DynamoAPI, tableName string) *DynamoTokenStore {
	return &DynamoTokenStore{client: client, tableName: tableName}
}

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func nanos(t time.Time) int64 { return t.UnixNano() }

func optionalNanos(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.UnixNano()
	return &v
}

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func fromOptionalNanos(n *int64) *time.Time {
	if n == nil {
		return nil
	}
	t := fromNanos(*n)
	return &t
}

func newTokenItem(t domain.RefreshToken) tokenItem {
	return tokenItem{
		PK:              pkRefreshToken + t.JTI,
		SK:              skMetadata,
		ID:              t.ID,
		JTI:             t.JTI,
		UserID:          t.UserID,
		FamilyID:        t.FamilyID,
		SessionID:       t.SessionID,
		FingerprintHash: t.FingerprintHash,
		ExpiresAt:       nanos(t.ExpiresAt),
		CreatedAt:       nanos(t.CreatedAt),
		UsedAt:          optionalNanos(t.UsedAt),
		RevokedAt:       optionalNanos(t.RevokedAt),
		RevokedReason:   t.RevokedReason,
	}
}

func (i tokenItem) toDomain() domain.RefreshToken {
	return domain.RefreshToken{
		ID:              i.ID,
		JTI:             i.JTI,
		UserID:          i.UserID,
		FamilyID:        i.FamilyID,
		SessionID:       i.SessionID,
		FingerprintHash: i.FingerprintHash,
		ExpiresAt:       fromNanos(i.ExpiresAt),
		CreatedAt:       fromNanos(i.CreatedAt),
		UsedAt:          fromOptionalNanos(i.UsedAt),
		RevokedAt:       fromOptionalNanos(i.RevokedAt),
		RevokedReason:   i.RevokedReason,
	}
}

func newSessionItem(s domain.Session) sessionItem {
	return sessionItem{
		PK:                    pkSession + s.ID,
		SK:                    skMetadata,
		ID:                    s.ID,
		UserID:                s.UserID,
		FingerprintHash:       s.FingerprintHash,
		DeviceInfo:            s.DeviceInfo,
		UserAgent:             s.UserAgent,
		IPAddress:             s.IPAddress,
		IsActive:              s.IsActive,
		CurrentRefreshTokenID: s.CurrentRefreshTokenID,
		InvalidatedReason:     s.InvalidatedReason,
		CreatedAt:             nanos(s.CreatedAt),
		UpdatedAt:             nanos(s.UpdatedAt),
	}
}

func (i sessionItem) toDomain() domain.Session {
	return domain.Session{
		ID:                    i.ID,
		UserID:                i.UserID,
		FingerprintHash:       i.FingerprintHash,
		DeviceInfo:            i.DeviceInfo,
		UserAgent:             i.UserAgent,
		IPAddress:             i.IPAddress,
		IsActive:              i.IsActive,
		CurrentRefreshTokenID: i.CurrentRefreshTokenID,
		InvalidatedReason:     i.InvalidatedReason,
		CreatedAt:             fromNanos(i.CreatedAt),
		UpdatedAt:             fromNanos(i.UpdatedAt),
	}
}

func (s *DynamoTokenStore) unavailable(operation string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrDynamoUnavailable, operation, err)
}

func (s *DynamoTokenStore) CreateSession(ctx context.Context, session domain.Session) (err error) {
	defer observeStore("dynamodb", "create session", time.Now(), &err)

	item, err := attributevalue.MarshalMap(newSessionItem(session))
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           aws.String(s.tableName),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(PK)"),
			}},
			{Put: &types.Put{
				TableName: aws.String(s.tableName),
				Item:      key(pkUser+session.UserID, skSession+session.ID),
			}},
		},
	})
	if err != nil {
		if reasons, ok := cancellationReasons(err); ok && reasons.failed(0) {
			return ErrDuplicateSession
		}
		return s.unavailable("create session", err)
	}
	return nil
}

func (s *DynamoTokenStore) GetSession(ctx context.Context, id string) (_ domain.Session, err error) {
	defer observeStore("dynamodb", "get session", time.Now(), &err)

	item, err := s.getSessionItem(ctx, id)
	if err != nil {
		return domain.Session{}, err
	}
	return item.toDomain(), nil
}

func (s *DynamoTokenStore) getSessionItem(ctx context.Context, id string) (sessionItem, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            key(pkSession+id, skMetadata),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return sessionItem{}, s.unavailable("get session", err)
	}
	if out.Item == nil {
		return sessionItem{}, ErrSessionNotFound
	}

	var item sessionItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return sessionItem{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return item, nil
}

const sessionUpdateAttempts = 5

// UpdateSession is a read-modify-write guarded by the item version. Rotation
// bumps the version too, so a concurrent tip move forces a re-read.
func (s *DynamoTokenStore) UpdateSession(ctx context.Context, id string, patch domain.SessionPatch, now time.Time) (_ domain.Session, err error) {
	defer observeStore("dynamodb", "update session", time.Now(), &err)

	for attempt := 0; attempt < sessionUpdateAttempts; attempt++ {
		current, err := s.getSessionItem(ctx, id)
		if err != nil {
			return domain.Session{}, err
		}

		updated := newSessionItem(patch.Apply(current.toDomain(), now))
		updated.Version = current.Version + 1

		item, err := attributevalue.MarshalMap(updated)
		if err != nil {
			return domain.Session{}, fmt.Errorf("marshal session: %w", err)
		}

		_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(s.tableName),
			Item:                item,
			ConditionExpression: aws.String("Version = :version"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":version": &types.AttributeValueMemberN{Value: strconv.FormatInt(current.Version, 10)},
			},
		})
		if err == nil {
			return updated.toDomain(), nil
		}

		var ccf *types.ConditionalCheckFailedException
		if !errors.As(err, &ccf) {
			return domain.Session{}, s.unavailable("update session", err)
		}
	}
	return domain.Session{}, s.unavailable("update session", errors.New("too many concurrent writers"))
}

func (s *DynamoTokenStore) ListSessionsByUser(ctx context.Context, userID string) (_ []domain.Session, err error) {
	defer observeStore("dynamodb", "list sessions", time.Now(), &err)

	keys, err := s.queryAll(ctx, pkUser+userID, skSession)
	if err != nil {
		return nil, s.unavailable("list sessions", err)
	}

	sessions := make([]domain.Session, 0, len(keys))
	for _, sk := range keys {
		item, err := s.getSessionItem(ctx, strings.TrimPrefix(sk, skSession))
		if errors.Is(err, ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, item.toDomain())
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].CreatedAt.Before(sessions[j].CreatedAt) })
	return sessions, nil
}

// queryAll returns the sort keys under pk that start with skPrefix.
func (s *DynamoTokenStore) queryAll(ctx context.Context, pk, skPrefix string) ([]string, error) {
	var (
		sortKeys []string
		startKey map[string]types.AttributeValue
	)
	for {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :sk)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: pk},
				":sk": &types.AttributeValueMemberS{Value: skPrefix},
			},
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, err
		}
		for _, item := range out.Items {
			if sk, ok := item["SK"].(*types.AttributeValueMemberS); ok {
				sortKeys = append(sortKeys, sk.Value)
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			return sortKeys, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func (s *DynamoTokenStore) tokenPuts(token domain.RefreshToken) ([]types.TransactWriteItem, error) {
	item, err := attributevalue.MarshalMap(newTokenItem(token))
	if err != nil {
		return nil, fmt.Errorf("marshal refresh token: %w", err)
	}

	idItem := key(pkRefreshTokenID+token.ID, skMetadata)
	idItem["JTI"] = &types.AttributeValueMemberS{Value: token.JTI}

	return []types.TransactWriteItem{
		{Put: &types.Put{
			TableName:           aws.String(s.tableName),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(PK)"),
		}},
		{Put: &types.Put{
			TableName:           aws.String(s.tableName),
			Item:                idItem,
			ConditionExpression: aws.String("attribute_not_exists(PK)"),
		}},
		{Put: &types.Put{
			TableName: aws.String(s.tableName),
			Item:      key(pkFamily+token.FamilyID, skToken+token.JTI),
		}},
	}, nil
}

func (s *DynamoTokenStore) CreateRefreshToken(ctx context.Context, token domain.RefreshToken) (err error) {
	defer observeStore("dynamodb", "create refresh token", time.Now(), &err)

	puts, err := s.tokenPuts(token)
	if err != nil {
		return err
	}

	// The family marker is created once; later members leave it untouched.
	marker := key(pkFamily+token.FamilyID, skMetadata)
	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.tableName),
		Key:              marker,
		UpdateExpression: aws.String("SET UserID = if_not_exists(UserID, :uid)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid": &types.AttributeValueMemberS{Value: token.UserID},
		},
	})
	if err != nil {
		return s.unavailable("create refresh token family", err)
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: puts})
	if err != nil {
		if reasons, ok := cancellationReasons(err); ok && (reasons.failed(0) || reasons.failed(1)) {
			return ErrDuplicateJTI
		}
		return s.unavailable("create refresh token", err)
	}
	return nil
}

func (s *DynamoTokenStore) GetRefreshTokenByJTI(ctx context.Context, jti string) (_ domain.RefreshToken, err error) {
	defer observeStore("dynamodb", "get refresh token by jti", time.Now(), &err)
	return s.getToken(ctx, jti)
}

func (s *DynamoTokenStore) GetRefreshTokenByID(ctx context.Context, id string) (_ domain.RefreshToken, err error) {
	defer observeStore("dynamodb", "get refresh token by id", time.Now(), &err)

	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            key(pkRefreshTokenID+id, skMetadata),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.RefreshToken{}, s.unavailable("get refresh token by id", err)
	}
	if out.Item == nil {
		return domain.RefreshToken{}, ErrRefreshTokenNotFound
	}
	jti, ok := out.Item["JTI"].(*types.AttributeValueMemberS)
	if !ok {
		return domain.RefreshToken{}, ErrRefreshTokenNotFound
	}
	return s.getToken(ctx, jti.Value)
}

// getToken reads the record and overlays a sealed family onto members that
// were still active when the seal landed.
func (s *DynamoTokenStore) getToken(ctx context.Context, jti string) (domain.RefreshToken, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            key(pkRefreshToken+jti, skMetadata),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.RefreshToken{}, s.unavailable("get refresh token", err)
	}
	if out.Item == nil {
		return domain.RefreshToken{}, ErrRefreshTokenNotFound
	}

	var item tokenItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return domain.RefreshToken{}, fmt.Errorf("unmarshal refresh token: %w", err)
	}
	token := item.toDomain()

	if token.UsedAt != nil || token.RevokedAt != nil {
		return token, nil
	}

	family, err := s.getFamily(ctx, token.FamilyID)
	if err != nil {
		return domain.RefreshToken{}, err
	}
	if family.RevokedAt != nil {
		token.RevokedAt = fromOptionalNanos(family.RevokedAt)
		token.RevokedReason = family.RevokedReason
	}
	return token, nil
}

func (s *DynamoTokenStore) getFamily(ctx context.Context, familyID string) (familyItem, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            key(pkFamily+familyID, skMetadata),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return familyItem{}, s.unavailable("get refresh token family", err)
	}

	var item familyItem
	if out.Item != nil {
		if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
			return familyItem{}, fmt.Errorf("unmarshal refresh token family: %w", err)
		}
	}
	return item, nil
}

func (s *DynamoTokenStore) RotateRefreshToken(ctx context.Context, jti string, usedAt time.Time, successor domain.RefreshToken) (err error) {
	defer observeStore("dynamodb", "rotate refresh token", time.Now(), &err)

	puts, err := s.tokenPuts(successor)
	if err != nil {
		return err
	}

	items := []types.TransactWriteItem{
		{ConditionCheck: &types.ConditionCheck{
			TableName:           aws.String(s.tableName),
			Key:                 key(pkFamily+successor.FamilyID, skMetadata),
			ConditionExpression: aws.String("attribute_exists(PK) AND attribute_not_exists(RevokedAt)"),
		}},
		{Update: &types.Update{
			TableName:           aws.String(s.tableName),
			Key:                 key(pkRefreshToken+jti, skMetadata),
			UpdateExpression:    aws.String("SET UsedAt = :used"),
			ConditionExpression: aws.String("attribute_exists(PK) AND attribute_not_exists(UsedAt) AND attribute_not_exists(RevokedAt)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":used": &types.AttributeValueMemberN{Value: strconv.FormatInt(nanos(usedAt), 10)},
			},
		}},
	}
	items = append(items, puts...)

	// Sessions are never deleted, so an existence check up front is stable.
	if _, err := s.getSessionItem(ctx, successor.SessionID); err == nil {
		items = append(items, types.TransactWriteItem{Update: &types.Update{
			TableName:        aws.String(s.tableName),
			Key:              key(pkSession+successor.SessionID, skMetadata),
			UpdateExpression: aws.String("SET CurrentRefreshTokenID = :tip, UpdatedAt = :now ADD Version :one"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":tip": &types.AttributeValueMemberS{Value: successor.ID},
				":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(nanos(usedAt), 10)},
				":one": &types.AttributeValueMemberN{Value: "1"},
			},
		}})
	} else if !errors.Is(err, ErrSessionNotFound) {
		return err
	}

	for attempt := 0; ; attempt++ {
		_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
		if err == nil {
			return nil
		}

		reasons, ok := cancellationReasons(err)
		if !ok {
			return s.unavailable("rotate refresh token", err)
		}

		current, readErr := s.getToken(ctx, jti)
		if readErr != nil {
			return readErr
		}
		if lost := classifyLostSwap(current); lost != nil {
			return lost
		}
		if reasons.failed(2) || reasons.failed(3) {
			return ErrDuplicateJTI
		}
		// A conflicting transaction that has not committed yet leaves the
		// record active; try again so the loser observes the final state.
		if !reasons.conflicted() || attempt >= transactConflictRetries {
			return s.unavailable("rotate refresh token", err)
		}
	}
}

func (s *DynamoTokenStore) RevokeRefreshToken(ctx context.Context, jti string, at time.Time, reason string) (_ bool, err error) {
	defer observeStore("dynamodb", "revoke refresh token", time.Now(), &err)

	revoked, err := s.revokeMember(ctx, jti, at, reason)
	if err != nil {
		return false, err
	}
	if revoked {
		return true, nil
	}

	if _, err := s.getToken(ctx, jti); err != nil {
		return false, err
	}
	return false, nil
}

func (s *DynamoTokenStore) revokeMember(ctx context.Context, jti string, at time.Time, reason string) (bool, error) {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 key(pkRefreshToken+jti, skMetadata),
		UpdateExpression:    aws.String("SET RevokedAt = :at, RevokedReason = :reason"),
		ConditionExpression: aws.String("attribute_exists(PK) AND attribute_not_exists(UsedAt) AND attribute_not_exists(RevokedAt)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":at":     &types.AttributeValueMemberN{Value: strconv.FormatInt(nanos(at), 10)},
			":reason": &types.AttributeValueMemberS{Value: reason},
		},
	})
	if err == nil {
		return true, nil
	}

	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return false, nil
	}
	return false, s.unavailable("revoke refresh token", err)
}

// RevokeFamily seals the family marker before touching members. Rotations
// that committed before the seal are visible to the member query below;
// later ones fail their condition check on the marker.
func (s *DynamoTokenStore) RevokeFamily(ctx context.Context, familyID string, at time.Time, reason string) (_ int, err error) {
	defer observeStore("dynamodb", "revoke refresh token family", time.Now(), &err)

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.tableName),
		Key:              key(pkFamily+familyID, skMetadata),
		UpdateExpression: aws.String("SET RevokedAt = if_not_exists(RevokedAt, :at), RevokedReason = if_not_exists(RevokedReason, :reason)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":at":     &types.AttributeValueMemberN{Value: strconv.FormatInt(nanos(at), 10)},
			":reason": &types.AttributeValueMemberS{Value: reason},
		},
	})
	if err != nil {
		return 0, s.unavailable("seal refresh token family", err)
	}

	members, err := s.queryAll(ctx, pkFamily+familyID, skToken)
	if err != nil {
		return 0, s.unavailable("list refresh token family", err)
	}

	revoked := 0
	for _, sk := range members {
		ok, err := s.revokeMember(ctx, strings.TrimPrefix(sk, skToken), at, reason)
		if err != nil {
			return revoked, err
		}
		if ok {
			revoked++
		}
	}
	return revoked, nil
}

func (s *DynamoTokenStore) DeleteExpiredRefreshTokens(ctx context.Context, before time.Time) (_ int64, err error) {
	defer observeStore("dynamodb", "delete expired refresh tokens", time.Now(), &err)

	var (
		deleted  int64
		startKey map[string]types.AttributeValue
	)
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(s.tableName),
			FilterExpression: aws.String("begins_with(PK, :prefix) AND ExpiresAt < :before"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":prefix": &types.AttributeValueMemberS{Value: pkRefreshToken},
				":before": &types.AttributeValueMemberN{Value: strconv.FormatInt(nanos(before), 10)},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return deleted, s.unavailable("scan expired refresh tokens", err)
		}

		var items []tokenItem
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &items); err != nil {
			return deleted, fmt.Errorf("unmarshal refresh tokens: %w", err)
		}

		for _, item := range items {
			_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
				TransactItems: []types.TransactWriteItem{
					{Delete: &types.Delete{TableName: aws.String(s.tableName), Key: key(item.PK, skMetadata)}},
					{Delete: &types.Delete{TableName: aws.String(s.tableName), Key: key(pkRefreshTokenID+item.ID, skMetadata)}},
					{Delete: &types.Delete{TableName: aws.String(s.tableName), Key: key(pkFamily+item.FamilyID, skToken+item.JTI)}},
				},
			})
			if err != nil {
				return deleted, s.unavailable("delete expired refresh token", err)
			}
			deleted++
		}

		if len(out.LastEvaluatedKey) == 0 {
			return deleted, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

type cancelReasons []types.CancellationReason

func (r cancelReasons) failed(i int) bool {
	return i < len(r) && aws.ToString(r[i].Code) == conditionalCheckFailed
}

func (r cancelReasons) conflicted() bool {
	for _, reason := range r {
		if aws.ToString(reason.Code) == transactionConflict {
			return true
		}
	}
	return false
}

func cancellationReasons(err error) (cancelReasons, bool) {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return nil, false
	}
	return cancelReasons(tce.CancellationReasons), true
}

// TableCreator is implemented by *dynamodb.Client.
type TableCreator interface {
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// EnsureTable creates the single PK/SK table used by DynamoTokenStore. An
// existing table is left as is.
func EnsureTable(ctx context.Context, client TableCreator, tableName string) error {
	_, err := client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(tableName),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("PK"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("SK"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("PK"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("SK"), KeyType: types.KeyTypeRange},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err == nil {
		return nil
	}

	var inUse *types.ResourceInUseException
	if errors.As(err, &inUse) {
		return nil
	}
	return fmt.Errorf("create table %s: %w", tableName, err)
}
