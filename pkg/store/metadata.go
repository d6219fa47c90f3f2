package store

import (
	"context"
	"strconv"
)

// UpsertPhotoMetadata records the URL of a case photo for a round and angle.
// Writing the same (case, round, angle) again overwrites the previous URL, so a
// repeated upload never produces duplicate rows.
func (s *Store) UpsertPhotoMetadata(ctx context.Context, caseKey string, round int, photoType, url string) error {
	return s.rdb.HSet(ctx, photosKey(caseKey, round), photoType, url).Err()
}

// PhotoMetadata returns photo type -> URL for a case round.
func (s *Store) PhotoMetadata(ctx context.Context, caseKey string, round int) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, photosKey(caseKey, round)).Result()
}

// UpsertConsent records the URL of the consent document of a case round.
func (s *Store) UpsertConsent(ctx context.Context, caseKey string, round int, url string) error {
	return s.rdb.HSet(ctx, consentKey(caseKey), strconv.Itoa(round), url).Err()
}

// Consent returns round -> consent URL for a case.
func (s *Store) Consent(ctx context.Context, caseKey string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, consentKey(caseKey)).Result()
}
