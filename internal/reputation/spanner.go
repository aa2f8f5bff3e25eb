package reputation

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
)

// SpannerStore keeps reputation in Cloud Spanner for deployments that
// already run one. Tables:
//
//	PlayerReputation (PlayerId STRING, FairPlay INT64, PenaltyPoints INT64,
//	                  Quarantined BOOL, UpdatedAt TIMESTAMP)
//	ReputationAudit  (PlayerId STRING, AuditId STRING, RefId STRING,
//	                  Delta INT64, Reason STRING, CreatedAt TIMESTAMP)
type SpannerStore struct {
	client *spanner.Client
}

// NewSpannerStore connects to projects/<p>/instances/<i>/databases/<d>.
func NewSpannerStore(project, instance, dbName string) (*SpannerStore, error) {
	dbPath := fmt.Sprintf("projects/%s/instances/%s/databases/%s", project, instance, dbName)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := spanner.NewClient(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("spanner.NewClient: %w", err)
	}
	return &SpannerStore{client: client}, nil
}

func (ss *SpannerStore) ApplyPenalty(ctx context.Context, playerID, refID string, points int64, reason string) error {
	_, err := ss.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		fairPlay, penalties, err := readScores(ctx, txn, playerID)
		if err != nil {
			return err
		}

		fairPlay -= points
		penalties += points
		mutations := []*spanner.Mutation{
			spanner.InsertOrUpdate("PlayerReputation",
				[]string{"PlayerId", "FairPlay", "PenaltyPoints", "Quarantined", "UpdatedAt"},
				[]interface{}{playerID, fairPlay, penalties, fairPlay < QuarantineThreshold, spanner.CommitTimestamp},
			),
			spanner.Insert("ReputationAudit",
				[]string{"PlayerId", "AuditId", "RefId", "Delta", "Reason", "CreatedAt"},
				[]interface{}{playerID, uuid.NewString(), refID, -points, reason, spanner.CommitTimestamp},
			),
		}
		return txn.BufferWrite(mutations)
	})
	return err
}

func (ss *SpannerStore) Reward(ctx context.Context, playerID string, points int64) error {
	_, err := ss.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		fairPlay, penalties, err := readScores(ctx, txn, playerID)
		if err != nil {
			return err
		}

		fairPlay += points
		mutations := []*spanner.Mutation{
			spanner.InsertOrUpdate("PlayerReputation",
				[]string{"PlayerId", "FairPlay", "PenaltyPoints", "Quarantined", "UpdatedAt"},
				[]interface{}{playerID, fairPlay, penalties, fairPlay < QuarantineThreshold, spanner.CommitTimestamp},
			),
			spanner.Insert("ReputationAudit",
				[]string{"PlayerId", "AuditId", "Delta", "Reason", "CreatedAt"},
				[]interface{}{playerID, uuid.NewString(), points, "reward", spanner.CommitTimestamp},
			),
		}
		return txn.BufferWrite(mutations)
	})
	return err
}

// readScores reads the current row inside the transaction; a missing row is
// the starting state.
func readScores(ctx context.Context, txn *spanner.ReadWriteTransaction, playerID string) (int64, int64, error) {
	row, err := txn.ReadRow(ctx, "PlayerReputation", spanner.Key{playerID},
		[]string{"FairPlay", "PenaltyPoints"})
	if err != nil {
		if spanner.ErrCode(err) == codes.NotFound {
			return StartingFairPlay, 0, nil
		}
		return 0, 0, err
	}
	var fairPlay, penalties int64
	if err := row.Columns(&fairPlay, &penalties); err != nil {
		return 0, 0, err
	}
	return fairPlay, penalties, nil
}

func (ss *SpannerStore) Reputation(ctx context.Context, playerID string) (*PlayerReputation, error) {
	roTx := ss.client.ReadOnlyTransaction().WithTimestampBound(spanner.MaxStaleness(15 * time.Second))
	defer roTx.Close()

	row, err := roTx.ReadRow(ctx, "PlayerReputation", spanner.Key{playerID},
		[]string{"FairPlay", "PenaltyPoints", "Quarantined", "UpdatedAt"})
	if err != nil {
		if spanner.ErrCode(err) == codes.NotFound {
			return &PlayerReputation{
				PlayerID:  playerID,
				FairPlay:  StartingFairPlay,
				UpdatedAt: time.Now().UTC(),
			}, nil
		}
		return nil, err
	}

	rep := &PlayerReputation{PlayerID: playerID}
	if err := row.Columns(&rep.FairPlay, &rep.PenaltyPoints, &rep.Quarantined, &rep.UpdatedAt); err != nil {
		return nil, err
	}
	return rep, nil
}

func (ss *SpannerStore) Close() error {
	ss.client.Close()
	return nil
}
