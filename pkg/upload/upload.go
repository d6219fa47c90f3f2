// Package upload submits clinical photo and consent uploads through the per-case
// serial queue. Each upload is two steps (store the file, then upsert its metadata)
// and both run inside one queued task, so uploads of the same case never interleave.
package upload

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/guido-cesarano/caseq/pkg/queue"
	"github.com/guido-cesarano/caseq/pkg/tasks"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidAngle = errors.New("upload: angle must be front, left or right")
	ErrInvalidRound = errors.New("upload: round must be positive")
	ErrEmptyFile    = errors.New("upload: file is empty")
)

// Angle is the camera angle of a case photo.
type Angle string

const (
	AngleFront Angle = "front"
	AngleLeft  Angle = "left"
	AngleRight Angle = "right"
)

// ParseAngle validates an angle name.
func ParseAngle(s string) (Angle, error) {
	switch a := Angle(strings.ToLower(strings.TrimSpace(s))); a {
	case AngleFront, AngleLeft, AngleRight:
		return a, nil
	default:
		return "", ErrInvalidAngle
	}
}

// PhotoType is the metadata column an angle is stored under.
func (a Angle) PhotoType() string {
	switch a {
	case AngleLeft:
		return "left_side"
	case AngleRight:
		return "right_side"
	default:
		return "front"
	}
}

// File is an uploaded file buffered in memory, so it outlives the request that carried it.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// FileStore persists file contents and returns a URL for them.
type FileStore interface {
	Put(ctx context.Context, caseKey string, round int, f File) (string, error)
}

// MetadataStore records where uploaded files live. Writes must be upserts.
type MetadataStore interface {
	UpsertPhotoMetadata(ctx context.Context, caseKey string, round int, photoType, url string) error
	UpsertConsent(ctx context.Context, caseKey string, round int, url string) error
}

// Service turns uploads into queued tasks.
type Service struct {
	queue *queue.Manager
	files FileStore
	meta  MetadataStore
	log   zerolog.Logger
}

// NewService creates a Service submitting to m.
func NewService(m *queue.Manager, files FileStore, meta MetadataStore, log zerolog.Logger) *Service {
	return &Service{queue: m, files: files, meta: meta, log: log}
}

// PhotoTaskID is the de-duplication id of a photo upload within its case.
func PhotoTaskID(round int, angle Angle) string {
	return fmt.Sprintf("photo-upload-%d-%s", round, angle)
}

// ConsentTaskID is the de-duplication id of a consent upload.
func ConsentTaskID(caseKey string, round int) string {
	return fmt.Sprintf("consent-upload-%s-%d", caseKey, round)
}

// SubmitPhoto queues a photo upload at normal priority. Re-submitting the same
// round and angle before the first one started replaces it.
func (s *Service) SubmitPhoto(ctx context.Context, caseKey string, round int, angle Angle, f File, opts ...queue.SubmitOption) (*queue.Handle, error) {
	if err := validate(round, f); err != nil {
		return nil, err
	}
	if _, err := ParseAngle(string(angle)); err != nil {
		return nil, err
	}

	work := func(ctx context.Context) error {
		url, err := s.files.Put(ctx, caseKey, round, f)
		if err != nil {
			return fmt.Errorf("store %s photo: %w", angle, err)
		}
		if err := s.meta.UpsertPhotoMetadata(ctx, caseKey, round, angle.PhotoType(), url); err != nil {
			return fmt.Errorf("save %s photo metadata: %w", angle, err)
		}
		s.log.Info().
			Str("case_key", caseKey).
			Int("round", round).
			Str("angle", string(angle)).
			Str("url", url).
			Msg("Photo uploaded")
		return nil
	}

	opts = append([]queue.SubmitOption{queue.WithPriority(tasks.PriorityNormal), queue.WithContext(ctx)}, opts...)
	return s.queue.Enqueue(caseKey, PhotoTaskID(round, angle), work, opts...)
}

// SubmitConsent queues a consent upload at high priority, ahead of any photo of
// the same case that has not started yet.
func (s *Service) SubmitConsent(ctx context.Context, caseKey string, round int, f File, opts ...queue.SubmitOption) (*queue.Handle, error) {
	if err := validate(round, f); err != nil {
		return nil, err
	}

	work := func(ctx context.Context) error {
		url, err := s.files.Put(ctx, caseKey, round, f)
		if err != nil {
			return fmt.Errorf("store consent: %w", err)
		}
		if err := s.meta.UpsertConsent(ctx, caseKey, round, url); err != nil {
			return fmt.Errorf("save consent metadata: %w", err)
		}
		s.log.Info().
			Str("case_key", caseKey).
			Int("round", round).
			Str("url", url).
			Msg("Consent uploaded")
		return nil
	}

	opts = append([]queue.SubmitOption{queue.WithPriority(tasks.PriorityHigh), queue.WithContext(ctx)}, opts...)
	return s.queue.Enqueue(caseKey, ConsentTaskID(caseKey, round), work, opts...)
}

func validate(round int, f File) error {
	if round <= 0 {
		return ErrInvalidRound
	}
	if len(f.Data) == 0 {
		return ErrEmptyFile
	}
	return nil
}
