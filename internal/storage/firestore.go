package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/dgellow/authredirect/internal/crypto"
	"github.com/dgellow/authredirect/internal/log"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// sharedLoadTimeout bounds a session read shared between concurrent callers
const sharedLoadTimeout = 10 * time.Second

// FirestoreStorage keeps sessions in Google Cloud Firestore, one document
// per session. Session values live in a map field on that document and are
// encrypted at rest.
type FirestoreStorage struct {
	client     *firestore.Client
	projectID  string
	collection string
	encryptor  crypto.Encryptor
	loads      singleflight.Group
}

var _ Storage = (*FirestoreStorage)(nil)

// SessionDoc represents a session document in Firestore
type SessionDoc struct {
	ID            string            `firestore:"id"`
	Email         string            `firestore:"email"`
	Authenticated bool              `firestore:"authenticated"`
	CreatedAt     int64             `firestore:"created_at"` // Unix timestamp
	LastSeen      int64             `firestore:"last_seen"`  // Unix timestamp
	ExpiresAt     int64             `firestore:"expires_at"` // Unix timestamp
	Values        map[string]string `firestore:"values"`     // Encrypted
}

// ToSession converts the Firestore document to a Session
func (d *SessionDoc) ToSession() *Session {
	return &Session{
		ID:            d.ID,
		Email:         d.Email,
		Authenticated: d.Authenticated,
		CreatedAt:     time.Unix(d.CreatedAt, 0),
		LastSeen:      time.Unix(d.LastSeen, 0),
		ExpiresAt:     time.Unix(d.ExpiresAt, 0),
	}
}

// FromSession converts a Session to a Firestore document with no values
func FromSession(s *Session) *SessionDoc {
	return &SessionDoc{
		ID:            s.ID,
		Email:         s.Email,
		Authenticated: s.Authenticated,
		CreatedAt:     s.CreatedAt.Unix(),
		LastSeen:      s.LastSeen.Unix(),
		ExpiresAt:     s.ExpiresAt.Unix(),
		Values:        map[string]string{},
	}
}

// NewFirestoreStorage creates a new Firestore storage instance
func NewFirestoreStorage(ctx context.Context, projectID, database, collection string, encryptor crypto.Encryptor) (*FirestoreStorage, error) {
	if encryptor == nil {
		return nil, fmt.Errorf("encryptor is required")
	}
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required")
	}
	if collection == "" {
		return nil, fmt.Errorf("collection is required")
	}

	var client *firestore.Client
	var err error

	if database != "" && database != "(default)" {
		client, err = firestore.NewClientWithDatabase(ctx, projectID, database)
	} else {
		client, err = firestore.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	log.LogInfoWithFields("firestore", "Connected to Firestore", map[string]any{
		"project":    projectID,
		"database":   database,
		"collection": collection,
	})

	return &FirestoreStorage{
		client:     client,
		projectID:  projectID,
		collection: collection,
		encryptor:  encryptor,
	}, nil
}

func (s *FirestoreStorage) doc(sessionID string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(sessionID)
}

func valuePath(key string) firestore.FieldPath {
	return firestore.FieldPath{"values", key}
}

// notFound maps Firestore's NotFound onto ErrSessionNotFound
func notFound(err error, op string) error {
	if errors.Is(err, ErrSessionNotFound) || status.Code(err) == codes.NotFound {
		return ErrSessionNotFound
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// loadDoc reads a live session document
func (s *FirestoreStorage) loadDoc(ctx context.Context, sessionID string) (*SessionDoc, error) {
	snap, err := s.doc(sessionID).Get(ctx)
	if err != nil {
		return nil, notFound(err, "get session")
	}

	var doc SessionDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if doc.ExpiresAt <= time.Now().Unix() {
		return nil, ErrSessionNotFound
	}
	return &doc, nil
}

// CreateSession creates a new session document, failing if one exists
func (s *FirestoreStorage) CreateSession(ctx context.Context, session *Session) error {
	_, err := s.doc(session.ID).Create(ctx, FromSession(session))
	if status.Code(err) == codes.AlreadyExists {
		return ErrSessionExists
	}
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session. Concurrent reads of the same session
// share one Firestore round trip.
func (s *FirestoreStorage) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	return s.sharedLoad(ctx, sessionID, s.loadDoc)
}

// sharedLoad runs load once for all concurrent callers of sessionID. The
// shared call is detached from the first caller's cancellation so one
// client going away does not fail the others; each caller still stops
// waiting when its own ctx is done.
func (s *FirestoreStorage) sharedLoad(ctx context.Context, sessionID string, load func(context.Context, string) (*SessionDoc, error)) (*Session, error) {
	ch := s.loads.DoChan(sessionID, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedLoadTimeout)
		defer cancel()

		doc, err := load(loadCtx, sessionID)
		if err != nil {
			return nil, err
		}
		return doc.ToSession(), nil
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("failed to get session: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		session := *res.Val.(*Session)
		return &session, nil
	}
}

// SetAuthenticated updates the authentication flag inside a transaction so
// the returned session reflects the write
func (s *FirestoreStorage) SetAuthenticated(ctx context.Context, sessionID string, authenticated bool, email string) (*Session, error) {
	ref := s.doc(sessionID)
	if !authenticated {
		email = ""
	}

	var updated *Session
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return notFound(err, "get session")
		}
		var doc SessionDoc
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("failed to unmarshal session: %w", err)
		}
		if doc.ExpiresAt <= time.Now().Unix() {
			return ErrSessionNotFound
		}

		now := time.Now().Unix()
		doc.Authenticated = authenticated
		doc.Email = email
		doc.LastSeen = now
		updated = doc.ToSession()

		return tx.Update(ref, []firestore.Update{
			{Path: "authenticated", Value: authenticated},
			{Path: "email", Value: email},
			{Path: "last_seen", Value: now},
		})
	})
	if err != nil {
		return nil, notFound(err, "update session")
	}
	return updated, nil
}

// TouchSession slides the session's expiry
func (s *FirestoreStorage) TouchSession(ctx context.Context, sessionID string, ttl time.Duration) error {
	now := time.Now()
	_, err := s.doc(sessionID).Update(ctx, []firestore.Update{
		{Path: "last_seen", Value: now.Unix()},
		{Path: "expires_at", Value: now.Add(ttl).Unix()},
	})
	if err != nil {
		return notFound(err, "touch session")
	}
	return nil
}

// RotateSession copies the session document, values included, to newID
// and deletes the old one in a single transaction
func (s *FirestoreStorage) RotateSession(ctx context.Context, oldID, newID, email string) (*Session, error) {
	oldRef, newRef := s.doc(oldID), s.doc(newID)

	var rotated *Session
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(oldRef)
		if err != nil {
			return notFound(err, "get session")
		}
		var doc SessionDoc
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("failed to unmarshal session: %w", err)
		}
		if doc.ExpiresAt <= time.Now().Unix() {
			return ErrSessionNotFound
		}

		doc.ID = newID
		doc.Authenticated = true
		doc.Email = email
		doc.LastSeen = time.Now().Unix()
		if doc.Values == nil {
			doc.Values = map[string]string{}
		}
		rotated = doc.ToSession()

		if err := tx.Create(newRef, &doc); err != nil {
			return err
		}
		return tx.Delete(oldRef)
	})
	if status.Code(err) == codes.AlreadyExists {
		return nil, ErrSessionExists
	}
	if err != nil {
		return nil, notFound(err, "rotate session")
	}
	return rotated, nil
}

// DeleteSession deletes a session and its values
func (s *FirestoreStorage) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.doc(sessionID).Delete(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *FirestoreStorage) decryptValue(doc *SessionDoc, key string) (string, error) {
	encrypted, ok := doc.Values[key]
	if !ok {
		return "", ErrValueNotFound
	}
	value, err := s.encryptor.Decrypt(encrypted)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt value %q: %w", key, err)
	}
	return value, nil
}

// GetValue reads and decrypts a session value
func (s *FirestoreStorage) GetValue(ctx context.Context, sessionID, key string) (string, error) {
	doc, err := s.loadDoc(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return s.decryptValue(doc, key)
}

// SetValue encrypts and stores a session value
func (s *FirestoreStorage) SetValue(ctx context.Context, sessionID, key, value string) error {
	encrypted, err := s.encryptor.Encrypt(value)
	if err != nil {
		return fmt.Errorf("failed to encrypt value %q: %w", key, err)
	}

	_, err = s.doc(sessionID).Update(ctx, []firestore.Update{
		{FieldPath: valuePath(key), Value: encrypted},
	})
	if err != nil {
		return notFound(err, "set value")
	}
	return nil
}

// RemoveValue deletes a session value. Removing from a missing session is a no-op.
func (s *FirestoreStorage) RemoveValue(ctx context.Context, sessionID, key string) error {
	_, err := s.doc(sessionID).Update(ctx, []firestore.Update{
		{FieldPath: valuePath(key), Value: firestore.Delete},
	})
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("failed to remove value: %w", err)
	}
	return nil
}

// TakeValue reads and deletes a session value in one transaction, so two
// concurrent takers never both see it
func (s *FirestoreStorage) TakeValue(ctx context.Context, sessionID, key string) (string, error) {
	ref := s.doc(sessionID)

	var value string
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return notFound(err, "get session")
		}
		var doc SessionDoc
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("failed to unmarshal session: %w", err)
		}
		if doc.ExpiresAt <= time.Now().Unix() {
			return ErrSessionNotFound
		}

		value, err = s.decryptValue(&doc, key)
		if err != nil {
			return err
		}
		return tx.Update(ref, []firestore.Update{
			{FieldPath: valuePath(key), Value: firestore.Delete},
		})
	})
	if err != nil {
		if errors.Is(err, ErrValueNotFound) {
			return "", err
		}
		return "", notFound(err, "take value")
	}
	return value, nil
}

// CleanupExpiredSessions removes all expired sessions in batches
func (s *FirestoreStorage) CleanupExpiredSessions(ctx context.Context) (int, error) {
	now := time.Now().Unix()
	iter := s.client.Collection(s.collection).
		Where("expires_at", "<=", now).
		Documents(ctx)
	defer iter.Stop()

	count := 0
	batch := s.client.Batch()
	batchSize := 0
	const maxBatchSize = 500 // Firestore batch write limit

	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return count, fmt.Errorf("failed to iterate expired sessions: %w", err)
		}

		batch.Delete(doc.Ref)
		batchSize++
		count++

		if batchSize >= maxBatchSize {
			if _, err := batch.Commit(ctx); err != nil {
				return count, fmt.Errorf("failed to commit batch: %w", err)
			}
			batch = s.client.Batch()
			batchSize = 0
		}
	}

	if batchSize > 0 {
		if _, err := batch.Commit(ctx); err != nil {
			return count, fmt.Errorf("failed to commit final batch: %w", err)
		}
	}

	return count, nil
}

// Close closes the Firestore client
func (s *FirestoreStorage) Close() error {
	return s.client.Close()
}
