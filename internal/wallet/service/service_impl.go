package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/tablierhq/tablier/internal/clock"
	walletdomain "github.com/tablierhq/tablier/internal/wallet/domain"
	"github.com/tablierhq/tablier/pkg/telemetry"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Metrics *telemetry.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID   *snowflake.Node
	clock   clock.Clock
	metrics *telemetry.Metrics
}

func NewService(p ServiceParam) walletdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("wallet.service"),

		genID:   p.GenID,
		clock:   p.Clock,
		metrics: p.Metrics,
	}
}

func (s *Service) Purchase(ctx context.Context, req walletdomain.PurchaseRequest) (walletdomain.WalletTransaction, error) {
	restaurantID, err := snowflake.ParseString(strings.TrimSpace(req.RestaurantID))
	if err != nil || restaurantID == 0 {
		return walletdomain.WalletTransaction{}, walletdomain.ErrInvalidRestaurant
	}
	if req.Amount <= 0 {
		return walletdomain.WalletTransaction{}, walletdomain.ErrInvalidAmount
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return walletdomain.WalletTransaction{}, walletdomain.ErrInvalidIdempotencyKey
	}

	now := s.clock.Now()
	record := walletdomain.WalletTransaction{
		ID:             s.genID.Generate(),
		RestaurantID:   restaurantID,
		Delta:          req.Amount,
		Reason:         "credit_purchase",
		IdempotencyKey: key,
		CreatedAt:      now,
	}

	var out walletdomain.WalletTransaction
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := s.insertTransaction(ctx, tx, &record)
		if err != nil {
			return err
		}
		if !inserted {
			// Duplicate idempotency key: already applied, return as-is.
			existing, err := s.findByIdempotencyKey(ctx, tx, restaurantID, key)
			if err != nil {
				return err
			}
			if existing == nil {
				return walletdomain.ErrInvalidIdempotencyKey
			}
			out = *existing
			return nil
		}

		if err := s.applyBalanceDelta(ctx, tx, restaurantID, req.Amount, now); err != nil {
			return err
		}
		out = record
		return nil
	})
	if err != nil {
		return walletdomain.WalletTransaction{}, err
	}
	return out, nil
}

func (s *Service) Debit(ctx context.Context, req walletdomain.DebitRequest) (walletdomain.WalletTransaction, error) {
	var out walletdomain.WalletTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := s.DebitTx(ctx, tx, req)
		if err != nil {
			return err
		}
		out = record
		return nil
	})
	if err != nil {
		return walletdomain.WalletTransaction{}, err
	}
	return out, nil
}

// DebitTx appends the debit inside the caller's transaction so wallet
// consumption can commit atomically with a usage event.
func (s *Service) DebitTx(ctx context.Context, tx *gorm.DB, req walletdomain.DebitRequest) (walletdomain.WalletTransaction, error) {
	if req.RestaurantID == 0 {
		return walletdomain.WalletTransaction{}, walletdomain.ErrInvalidRestaurant
	}
	if req.Amount <= 0 {
		return walletdomain.WalletTransaction{}, walletdomain.ErrInvalidAmount
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return walletdomain.WalletTransaction{}, walletdomain.ErrInvalidIdempotencyKey
	}

	existing, err := s.findByIdempotencyKey(ctx, tx, req.RestaurantID, key)
	if err != nil {
		return walletdomain.WalletTransaction{}, err
	}
	if existing != nil {
		return *existing, nil
	}

	now := s.clock.Now()

	// Guarded decrement: fails when the balance would go negative. The
	// condition runs in the database so concurrent debits cannot both pass
	// a stale read.
	result := tx.WithContext(ctx).Exec(
		`UPDATE wallets SET balance = balance - ?, updated_at = ?
		 WHERE restaurant_id = ? AND balance >= ?`,
		req.Amount,
		now,
		req.RestaurantID,
		req.Amount,
	)
	if result.Error != nil {
		return walletdomain.WalletTransaction{}, result.Error
	}
	if result.RowsAffected == 0 {
		return walletdomain.WalletTransaction{}, walletdomain.ErrInsufficientCredits
	}

	record := walletdomain.WalletTransaction{
		ID:             s.genID.Generate(),
		RestaurantID:   req.RestaurantID,
		Delta:          -req.Amount,
		Reason:         req.Reason,
		IdempotencyKey: key,
		CreatedAt:      now,
	}
	if err := tx.WithContext(ctx).Create(&record).Error; err != nil {
		return walletdomain.WalletTransaction{}, err
	}
	return record, nil
}

func (s *Service) Balance(ctx context.Context, restaurantID snowflake.ID) (int64, error) {
	if restaurantID == 0 {
		return 0, walletdomain.ErrInvalidRestaurant
	}
	var wallet walletdomain.Wallet
	err := s.db.WithContext(ctx).Where("restaurant_id = ?", restaurantID).First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return wallet.Balance, nil
}

func (s *Service) Transactions(ctx context.Context, restaurantID snowflake.ID) ([]walletdomain.WalletTransaction, error) {
	if restaurantID == 0 {
		return nil, walletdomain.ErrInvalidRestaurant
	}
	var records []walletdomain.WalletTransaction
	err := s.db.WithContext(ctx).
		Where("restaurant_id = ?", restaurantID).
		Order("created_at asc").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Service) Reconcile(ctx context.Context, restaurantID snowflake.ID) (walletdomain.ReconcileResult, error) {
	cached, err := s.Balance(ctx, restaurantID)
	if err != nil {
		return walletdomain.ReconcileResult{}, err
	}

	var logBalance int64
	err = s.db.WithContext(ctx).
		Model(&walletdomain.WalletTransaction{}).
		Where("restaurant_id = ?", restaurantID).
		Select("COALESCE(SUM(delta), 0)").
		Scan(&logBalance).Error
	if err != nil {
		return walletdomain.ReconcileResult{}, err
	}

	result := walletdomain.ReconcileResult{
		RestaurantID:  restaurantID,
		CachedBalance: cached,
		LogBalance:    logBalance,
		Consistent:    cached == logBalance,
	}
	if !result.Consistent {
		s.metrics.IncWalletMismatch()
		s.log.Error("wallet balance diverged from transaction log",
			zap.String("restaurant_id", restaurantID.String()),
			zap.Int64("cached", cached),
			zap.Int64("log", logBalance),
		)
		return result, walletdomain.ErrWalletInconsistent
	}
	return result, nil
}

func (s *Service) ReconcileAll(ctx context.Context) ([]walletdomain.ReconcileResult, error) {
	var wallets []walletdomain.Wallet
	if err := s.db.WithContext(ctx).Find(&wallets).Error; err != nil {
		return nil, err
	}

	results := make([]walletdomain.ReconcileResult, 0, len(wallets))
	var firstErr error
	for _, wallet := range wallets {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		result, err := s.Reconcile(ctx, wallet.RestaurantID)
		if err != nil && firstErr == nil && !errors.Is(err, walletdomain.ErrWalletInconsistent) {
			firstErr = err
		}
		results = append(results, result)
	}
	return results, firstErr
}

func (s *Service) insertTransaction(ctx context.Context, tx *gorm.DB, record *walletdomain.WalletTransaction) (bool, error) {
	result := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "restaurant_id"}, {Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(record)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Service) findByIdempotencyKey(ctx context.Context, tx *gorm.DB, restaurantID snowflake.ID, key string) (*walletdomain.WalletTransaction, error) {
	var record walletdomain.WalletTransaction
	err := tx.WithContext(ctx).
		Where("restaurant_id = ? AND idempotency_key = ?", restaurantID, key).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// applyBalanceDelta upserts the cached wallet row and adds delta to it.
func (s *Service) applyBalanceDelta(ctx context.Context, tx *gorm.DB, restaurantID snowflake.ID, delta int64, now time.Time) error {
	result := tx.WithContext(ctx).Exec(
		`UPDATE wallets SET balance = balance + ?, updated_at = ? WHERE restaurant_id = ?`,
		delta,
		now,
		restaurantID,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	wallet := walletdomain.Wallet{
		ID:           s.genID.Generate(),
		RestaurantID: restaurantID,
		Balance:      delta,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return tx.WithContext(ctx).Create(&wallet).Error
}
