package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/jspahr/openrange/internal/models"
)

const s3CallTimeout = 10 * time.Second

// S3Storage keeps the same layout as the file backend under an S3
// prefix, for cloud-mode runs where the container filesystem is
// ephemeral. PutObject is atomic per key, so no temp-file dance is
// needed.
type S3Storage struct {
	mu     sync.RWMutex
	client *s3.Client
	bucket string
	prefix string
}

var _ Interface = (*S3Storage)(nil)

// NewS3Storage creates the S3 store using the default AWS credential
// chain.
func NewS3Storage(ctx context.Context, bucket, region, prefix string) (*S3Storage, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &S3Storage{
		client: s3.NewFromConfig(awsCfg),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

func (s *S3Storage) key(parts ...string) string {
	return path.Join(append([]string{s.prefix}, parts...)...)
}

func (s *S3Storage) putJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s3CallTimeout)
	defer cancel()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

func (s *S3Storage) getJSON(key string, v any) error {
	ctx, cancel := context.WithTimeout(context.Background(), s3CallTimeout)
	defer cancel()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return ErrNotFound
		}
		return fmt.Errorf("get s3://%s/%s: %w", s.bucket, key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return fmt.Errorf("read s3://%s/%s: %w", s.bucket, key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

// SaveMarker persists the daily marker.
func (s *S3Storage) SaveMarker(marker *models.DailyMarker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putJSON(s.key("markers", marker.Date+".json"), marker)
}

// LoadMarker loads the marker for a date, ErrNotFound when absent.
func (s *S3Storage) LoadMarker(date string) (*models.DailyMarker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var m models.DailyMarker
	if err := s.getJSON(s.key("markers", date+".json"), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// AppendTrade appends one closed trade to the day's log.
func (s *S3Storage) AppendTrade(date string, trade *models.ClosedTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.key("trades", date+".json")
	var trades []models.ClosedTrade
	if err := s.getJSON(key, &trades); err != nil && err != ErrNotFound {
		return err
	}
	trades = append(trades, *trade)
	return s.putJSON(key, trades)
}

// LoadTrades returns the day's closed trades, empty when none.
func (s *S3Storage) LoadTrades(date string) ([]models.ClosedTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var trades []models.ClosedTrade
	if err := s.getJSON(s.key("trades", date+".json"), &trades); err != nil {
		if err == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return trades, nil
}

// SaveAccount persists the cash checkpoint.
func (s *S3Storage) SaveAccount(account *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	account.UpdatedAt = time.Now().UTC()
	return s.putJSON(s.key("account.json"), account)
}

// LoadAccount loads the cash checkpoint, ErrNotFound when absent.
func (s *S3Storage) LoadAccount() (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var a models.Account
	if err := s.getJSON(s.key("account.json"), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// SaveOpenPositions replaces the open-positions snapshot.
func (s *S3Storage) SaveOpenPositions(positions []models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if positions == nil {
		positions = []models.Position{}
	}
	return s.putJSON(s.key("positions.json"), positions)
}

// LoadOpenPositions loads the snapshot, empty when absent.
func (s *S3Storage) LoadOpenPositions() ([]models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var positions []models.Position
	if err := s.getJSON(s.key("positions.json"), &positions); err != nil {
		if err == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return positions, nil
}

// SaveOpeningRanges persists the day's captured ranges.
func (s *S3Storage) SaveOpeningRanges(date string, ranges map[string]models.OpeningRange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putJSON(s.key("ranges", date+".json"), ranges)
}

// LoadOpeningRanges loads the day's ranges, empty when absent.
func (s *S3Storage) LoadOpeningRanges(date string) (map[string]models.OpeningRange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ranges := make(map[string]models.OpeningRange)
	if err := s.getJSON(s.key("ranges", date+".json"), &ranges); err != nil {
		if err == ErrNotFound {
			return map[string]models.OpeningRange{}, nil
		}
		return nil, err
	}
	return ranges, nil
}

// ArchiveSignals persists the gated cohort, rejections included.
func (s *S3Storage) ArchiveSignals(date string, signals []models.GatedSignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if signals == nil {
		signals = []models.GatedSignal{}
	}
	return s.putJSON(s.key("signals", date+".json"), signals)
}

// LoadSignals loads the day's archived cohort, empty when absent.
func (s *S3Storage) LoadSignals(date string) ([]models.GatedSignal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var signals []models.GatedSignal
	if err := s.getJSON(s.key("signals", date+".json"), &signals); err != nil {
		if err == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return signals, nil
}
