package citadel

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"southwinds.dev/citadel/audit"
	"southwinds.dev/citadel/internal/crypto"
	"southwinds.dev/citadel/internal/misc"
	"southwinds.dev/citadel/persist"
)

// AddSecret implements VaultService. The record key is derived from the
// user master key with a fresh random salt; the salt and the iteration
// count travel with the envelope so the record stays self-describing.
func (v *Vault) AddSecret(sessionID, label string, tags []string, plaintext []byte) (string, error) {
	if err := v.checkOpen(); err != nil {
		return "", err
	}
	session, err := v.auth.Validate(sessionID)
	if err != nil {
		return "", err
	}
	if len(plaintext) == 0 {
		return "", fmt.Errorf("%w: plaintext must not be empty", ErrConfiguration)
	}

	id, err := uuid.NewRandomFromReader(randReader{src: v.rnd})
	if err != nil {
		return "", fmt.Errorf("failed to generate record id: %w", err)
	}
	recordID := id.String()
	err = v.authz.withKey(sessionID, func(masterKey []byte) error {
		record, sealErr := v.sealRecord(recordID, session.UserID, label, tags, plaintext, masterKey)
		if sealErr != nil {
			return sealErr
		}
		unlock := v.recordLocks.lock(recordID)
		defer unlock()
		if _, putErr := v.store.PutSecret(record, ""); putErr != nil {
			return fmt.Errorf("%w: %w", ErrStoreUnavailable, putErr)
		}
		return nil
	})
	if err != nil {
		v.auditRecordOp(session, sessionID, audit.ActionSecretAdd, recordID, err)
		return "", err
	}

	v.auditRecordOp(session, sessionID, audit.ActionSecretAdd, recordID, nil)
	return recordID, nil
}

// EditSecret implements VaultService. The replacement is sealed under a
// fresh salt and nonce; nothing from the previous envelope is reused.
func (v *Vault) EditSecret(sessionID, recordID string, plaintext []byte) error {
	if err := v.checkOpen(); err != nil {
		return err
	}
	session, err := v.auth.Validate(sessionID)
	if err != nil {
		return err
	}
	if len(plaintext) == 0 {
		return fmt.Errorf("%w: plaintext must not be empty", ErrConfiguration)
	}

	err = v.authz.withKey(sessionID, func(masterKey []byte) error {
		unlock := v.recordLocks.lock(recordID)
		defer unlock()

		existing, loadErr := v.loadOwnedRecord(session.UserID, recordID)
		if loadErr != nil {
			return loadErr
		}
		replacement, sealErr := v.sealRecord(recordID, session.UserID, existing.Label, existing.Tags, plaintext, masterKey)
		if sealErr != nil {
			return sealErr
		}
		replacement.CreatedAt = existing.CreatedAt
		if _, putErr := v.store.PutSecret(replacement, existing.Version); putErr != nil {
			return fmt.Errorf("%w: %w", ErrStoreUnavailable, putErr)
		}
		return nil
	})
	v.auditRecordOp(session, sessionID, audit.ActionSecretEdit, recordID, err)
	return err
}

// DeleteSecret implements VaultService. Deletion is destructive and
// demands an active view permission, same as reveal.
func (v *Vault) DeleteSecret(sessionID, recordID string) error {
	if err := v.checkOpen(); err != nil {
		return err
	}
	session, err := v.auth.Validate(sessionID)
	if err != nil {
		return err
	}
	if !v.authz.HasPermission(sessionID) {
		err = ErrAuthorizationDenied
		v.auditRecordOp(session, sessionID, audit.ActionSecretDelete, recordID, err)
		return err
	}

	unlock := v.recordLocks.lock(recordID)
	if _, err = v.loadOwnedRecord(session.UserID, recordID); err == nil {
		if delErr := v.store.DeleteSecret(recordID); delErr != nil && !errors.Is(delErr, persist.ErrNotFound) {
			err = fmt.Errorf("%w: %w", ErrStoreUnavailable, delErr)
		}
	}
	unlock()

	v.auditRecordOp(session, sessionID, audit.ActionSecretDelete, recordID, err)
	return err
}

// ListSecrets implements VaultService. Listing exposes metadata only and
// needs no view permission; plaintext stays behind RevealSecret.
func (v *Vault) ListSecrets(sessionID string) ([]SecretInfo, error) {
	if err := v.checkOpen(); err != nil {
		return nil, err
	}
	session, err := v.auth.Validate(sessionID)
	if err != nil {
		return nil, err
	}

	records, err := v.store.ListSecrets(session.UserID)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		v.auditRecordOp(session, sessionID, audit.ActionSecretList, "", err)
		return nil, err
	}

	infos := make([]SecretInfo, 0, len(records))
	for _, record := range records {
		info := SecretInfo{
			RecordID:  record.ID,
			Label:     record.Label,
			Tags:      record.Tags,
			CreatedAt: record.CreatedAt,
			UpdatedAt: record.UpdatedAt,
		}
		// malformed envelopes still list; reveal reports the real error
		if env, parseErr := crypto.ParseEnvelope(record.Envelope); parseErr == nil {
			info.FormatVersion = env.Version
			info.KDFIterations = env.Iterations
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })

	v.rec.Record(audit.Event{
		UserID: session.UserID, SessionID: sessionID,
		Action: audit.ActionSecretList, Result: audit.ResultSuccess,
		Detail: map[string]interface{}{"count": len(infos)},
	})
	return infos, nil
}

// RevealSecret implements VaultService. Decryption failure is reported as
// the single opaque ErrDecryptionFailed regardless of cause; an envelope
// from a future format version fails with ErrUnsupportedFormat before any
// decryption is attempted.
func (v *Vault) RevealSecret(sessionID, recordID string) ([]byte, error) {
	if err := v.checkOpen(); err != nil {
		return nil, err
	}
	session, err := v.auth.Validate(sessionID)
	if err != nil {
		return nil, err
	}

	var plaintext []byte
	err = v.authz.withKey(sessionID, func(masterKey []byte) error {
		unlock := v.recordLocks.lock(recordID)
		defer unlock()

		record, loadErr := v.loadOwnedRecord(session.UserID, recordID)
		if loadErr != nil {
			return loadErr
		}
		opened, openErr := v.openRecord(record, masterKey)
		if openErr != nil {
			return openErr
		}
		plaintext = opened
		return nil
	})
	v.auditRecordOp(session, sessionID, audit.ActionSecretReveal, recordID, err)
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// UpgradeSecret implements VaultService. The record is decrypted with its
// stored parameters and resealed under the currently configured iteration
// count and a fresh salt. Records already at current strength are left
// untouched.
func (v *Vault) UpgradeSecret(sessionID, recordID string) error {
	if err := v.checkOpen(); err != nil {
		return err
	}
	session, err := v.auth.Validate(sessionID)
	if err != nil {
		return err
	}

	var fromIterations, toIterations uint32
	err = v.authz.withKey(sessionID, func(masterKey []byte) error {
		unlock := v.recordLocks.lock(recordID)
		defer unlock()

		record, loadErr := v.loadOwnedRecord(session.UserID, recordID)
		if loadErr != nil {
			return loadErr
		}
		env, parseErr := crypto.ParseEnvelope(record.Envelope)
		if parseErr != nil {
			return parseErr
		}
		fromIterations = env.Iterations
		toIterations = v.opts.RecordKeyIterations
		if env.Iterations >= toIterations {
			toIterations = env.Iterations
			return nil
		}

		plaintext, openErr := v.openRecord(record, masterKey)
		if openErr != nil {
			return openErr
		}
		replacement, sealErr := v.sealRecord(recordID, session.UserID, record.Label, record.Tags, plaintext, masterKey)
		if sealErr != nil {
			return sealErr
		}
		replacement.CreatedAt = record.CreatedAt
		if _, putErr := v.store.PutSecret(replacement, record.Version); putErr != nil {
			return fmt.Errorf("%w: %w", ErrStoreUnavailable, putErr)
		}
		return nil
	})
	if err != nil {
		v.auditRecordOp(session, sessionID, audit.ActionSecretUpgrade, recordID, err)
		return err
	}

	v.rec.Record(audit.Event{
		UserID: session.UserID, SessionID: sessionID,
		Action: audit.ActionSecretUpgrade, Result: audit.ResultSuccess,
		Detail: map[string]interface{}{
			"record_id":       recordID,
			"from_iterations": fromIterations,
			"to_iterations":   toIterations,
		},
	})
	return nil
}

// sealRecord derives a one-off record key from the master key and a fresh
// salt, then seals plaintext into a new record envelope.
func (v *Vault) sealRecord(recordID, userID, label string, tags []string, plaintext, masterKey []byte) (*persist.SecretRecord, error) {
	salt, err := v.rnd.Bytes(misc.SaltSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	recordKey, err := crypto.Derive(masterKey, salt, v.opts.RecordKeyIterations)
	if err != nil {
		return nil, err
	}
	defer zero(recordKey)

	env, err := crypto.Seal(plaintext, recordKey, v.opts.RecordKeyIterations, randReader{src: v.rnd})
	if err != nil {
		return nil, err
	}
	now := v.clock.Now()
	return &persist.SecretRecord{
		ID:        recordID,
		UserID:    userID,
		Label:     label,
		Tags:      tags,
		Salt:      salt,
		Envelope:  env.Marshal(),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// openRecord re-derives the record key from the stored salt and the
// iteration count carried in the envelope, then opens it.
func (v *Vault) openRecord(record *persist.SecretRecord, masterKey []byte) ([]byte, error) {
	env, err := crypto.ParseEnvelope(record.Envelope)
	if err != nil {
		return nil, err
	}
	recordKey, err := crypto.Derive(masterKey, record.Salt, env.Iterations)
	if err != nil {
		return nil, err
	}
	defer zero(recordKey)
	return crypto.Open(env, recordKey)
}

// loadOwnedRecord loads a record and enforces ownership. Records belonging
// to another user are reported as an authorization failure, not as absent,
// so a caller cannot distinguish foreign records from forbidden ones.
func (v *Vault) loadOwnedRecord(userID, recordID string) (*persist.SecretRecord, error) {
	record, err := v.store.GetSecret(recordID)
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if record.UserID != userID {
		return nil, ErrAuthorizationDenied
	}
	return record, nil
}

// auditRecordOp emits the single audit event for a record operation,
// classifying authorization failures as DENIED and everything else as
// FAILURE. Plaintext and key material never reach the event detail.
func (v *Vault) auditRecordOp(session *Session, sessionID string, action audit.Action, recordID string, opErr error) {
	event := audit.Event{
		UserID:    session.UserID,
		SessionID: sessionID,
		Action:    action,
		Result:    audit.ResultSuccess,
	}
	if recordID != "" {
		event.Detail = map[string]interface{}{"record_id": recordID}
	}
	if opErr != nil {
		event.Result = audit.ResultFailure
		if errors.Is(opErr, ErrAuthorizationDenied) || errors.Is(opErr, ErrConcurrencyLimit) {
			event.Result = audit.ResultDenied
		}
		event.Detail = mergeDetail(event.Detail, map[string]interface{}{"error": opErr.Error()})
	}
	v.rec.Record(event)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
