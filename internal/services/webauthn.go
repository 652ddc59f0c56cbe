package services

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/herdbook/backend/internal/models"
	"github.com/herdbook/backend/pkg/logger"
	"gorm.io/gorm"
)

// WebAuthnService runs passkey registration and authentication ceremonies.
// Challenge state lives in the ChallengeStore; verified credentials and
// their signature counters live in the webauthn_credentials table.
type WebAuthnService struct {
	DB         *gorm.DB
	WA         *webauthn.WebAuthn
	Challenges *ChallengeStore
}

func NewWebAuthnService(db *gorm.DB, wa *webauthn.WebAuthn, challenges *ChallengeStore) *WebAuthnService {
	return &WebAuthnService{DB: db, WA: wa, Challenges: challenges}
}

type webAuthnStaff struct {
	staff models.Staff
	creds []webauthn.Credential
}

func (u *webAuthnStaff) WebAuthnID() []byte {
	id := make([]byte, 8)
	binary.BigEndian.PutUint64(id, uint64(u.staff.ID))
	return id
}

func (u *webAuthnStaff) WebAuthnName() string {
	return u.staff.Username
}

func (u *webAuthnStaff) WebAuthnDisplayName() string {
	return u.staff.FullName
}

func (u *webAuthnStaff) WebAuthnCredentials() []webauthn.Credential {
	return u.creds
}

func (u *webAuthnStaff) exclusions() []protocol.CredentialDescriptor {
	descriptors := make([]protocol.CredentialDescriptor, 0, len(u.creds))
	for _, cred := range u.creds {
		descriptors = append(descriptors, cred.Descriptor())
	}
	return descriptors
}

func (s *WebAuthnService) loadStaff(staffID uint) (*webAuthnStaff, error) {
	var staff models.Staff
	if err := s.DB.First(&staff, "id = ?", staffID).Error; err != nil {
		return nil, err
	}

	var rows []models.WebAuthnCredential
	if err := s.DB.Where("staff_id = ?", staffID).Find(&rows).Error; err != nil {
		return nil, err
	}

	user := &webAuthnStaff{staff: staff}
	for _, row := range rows {
		cred, legacyRaw, err := libraryCredential(row)
		if err != nil {
			logger.Warn("webauthn_credential_undecodable", map[string]interface{}{
				"credential_id": row.CredentialID,
				"staff_id":      row.StaffID,
			})
			continue
		}
		user.creds = append(user.creds, cred)
		if legacyRaw != nil {
			// Rows written double-encoded by an older peer advertise both
			// forms in the allow list so either match verifies against the
			// same public key.
			alias := cred
			alias.ID = legacyRaw
			user.creds = append(user.creds, alias)
		}
	}
	return user, nil
}

// libraryCredential converts a stored row into the library's credential
// shape. The second return value is non-nil when the row is stored under the
// legacy double encoding, holding the raw bytes of that legacy form.
func libraryCredential(row models.WebAuthnCredential) (webauthn.Credential, []byte, error) {
	storedID := row.CredentialID
	var legacyRaw []byte
	if inner, ok := models.UnwrapCredentialID(storedID); ok {
		legacyRaw = []byte(inner)
		storedID = inner
	}

	rawID, err := (&models.WebAuthnCredential{CredentialID: storedID}).RawCredentialID()
	if err != nil {
		return webauthn.Credential{}, nil, err
	}

	var transports []protocol.AuthenticatorTransport
	if row.Transports != "" {
		var names []string
		if err := json.Unmarshal([]byte(row.Transports), &names); err == nil {
			for _, name := range names {
				transports = append(transports, protocol.AuthenticatorTransport(name))
			}
		}
	}

	return webauthn.Credential{
		ID:        rawID,
		PublicKey: row.PublicKey,
		Authenticator: webauthn.Authenticator{
			AAGUID:    row.AAGUID,
			SignCount: row.SignCount,
		},
		Transport: transports,
		Flags: webauthn.CredentialFlags{
			BackupEligible: row.BackupEligible,
			BackupState:    row.BackupState,
		},
	}, legacyRaw, nil
}

// BeginRegistration opens a registration ceremony for an authenticated
// staff member. Existing credentials are excluded so the same authenticator
// cannot be registered twice.
func (s *WebAuthnService) BeginRegistration(ctx context.Context, staffID uint) (*protocol.CredentialCreation, error) {
	user, err := s.loadStaff(staffID)
	if err != nil {
		return nil, err
	}

	options, session, err := s.WA.BeginRegistration(user,
		webauthn.WithExclusions(user.exclusions()),
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementPreferred),
	)
	if err != nil {
		return nil, err
	}

	if err := s.Challenges.SaveRegistration(ctx, staffID, session); err != nil {
		return nil, err
	}
	return options, nil
}

// FinishRegistration verifies the authenticator's attestation response and
// persists the credential. The pending challenge is consumed up front, so a
// failed verification still burns it.
func (s *WebAuthnService) FinishRegistration(ctx context.Context, staffID uint, response json.RawMessage, deviceLabel string) (*models.WebAuthnCredential, error) {
	session, err := s.Challenges.ConsumeRegistration(ctx, staffID)
	if err != nil {
		return nil, err
	}

	user, err := s.loadStaff(staffID)
	if err != nil {
		return nil, err
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(strings.NewReader(string(response)))
	if err != nil {
		return nil, err
	}

	credential, err := s.WA.CreateCredential(user, *session, parsed)
	if err != nil {
		return nil, err
	}

	if deviceLabel == "" {
		deviceLabel = "Passkey"
	}

	var transportsJSON []byte
	if len(credential.Transport) > 0 {
		names := make([]string, len(credential.Transport))
		for i, t := range credential.Transport {
			names[i] = string(t)
		}
		transportsJSON, _ = json.Marshal(names)
	}

	row := &models.WebAuthnCredential{
		StaffID:        staffID,
		CredentialID:   models.EncodeCredentialID(credential.ID),
		PublicKey:      credential.PublicKey,
		SignCount:      credential.Authenticator.SignCount,
		DeviceLabel:    deviceLabel,
		AAGUID:         credential.Authenticator.AAGUID,
		Transports:     string(transportsJSON),
		BackupEligible: credential.Flags.BackupEligible,
		BackupState:    credential.Flags.BackupState,
	}

	err = s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			return err
		}
		return tx.Model(&models.Staff{}).
			Where("id = ?", staffID).
			Update("passkey_enabled", true).Error
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// BeginAuthentication opens an assertion ceremony for a username. Callers
// must collapse every failure into one generic client message; the error
// values here exist for logging, not for the response body.
func (s *WebAuthnService) BeginAuthentication(ctx context.Context, username string) (*protocol.CredentialAssertion, error) {
	var staff models.Staff
	err := s.DB.First(&staff, "username = ? AND is_active = ?", username, true).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoCredentials
	}
	if err != nil {
		return nil, err
	}

	user, err := s.loadStaff(staff.ID)
	if err != nil {
		return nil, err
	}
	if len(user.creds) == 0 {
		return nil, ErrNoCredentials
	}

	options, session, err := s.WA.BeginLogin(user)
	if err != nil {
		return nil, err
	}

	if err := s.Challenges.SaveAuthentication(ctx, username, session); err != nil {
		return nil, err
	}
	return options, nil
}

// FinishAuthentication verifies an assertion and returns the staff profile
// it authenticates. The stored signature counter must not run backwards; an
// assertion whose counter is at or below the stored value is rejected as a
// possible replay, except when both are zero (authenticators without a
// counter always report zero).
func (s *WebAuthnService) FinishAuthentication(ctx context.Context, username string, response json.RawMessage) (*models.Staff, *models.WebAuthnCredential, error) {
	session, err := s.Challenges.ConsumeAuthentication(ctx, username)
	if err != nil {
		return nil, nil, err
	}

	var staff models.Staff
	if err := s.DB.First(&staff, "username = ? AND is_active = ?", username, true).Error; err != nil {
		return nil, nil, ErrInvalidCredentials
	}

	user, err := s.loadStaff(staff.ID)
	if err != nil {
		return nil, nil, err
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(strings.NewReader(string(response)))
	if err != nil {
		return nil, nil, ErrInvalidCredentials
	}

	credential, err := s.WA.ValidateLogin(user, *session, parsed)
	if err != nil {
		return nil, nil, ErrInvalidCredentials
	}

	row, err := s.applyAssertion(&staff, credential)
	if err != nil {
		return nil, nil, err
	}

	return &staff, row, nil
}

// applyAssertion enforces counter monotonicity on a verified assertion and
// persists the new counter. The library flags CloneWarning when the reported
// counter is at or below the stored one, unless both are zero; a flagged
// assertion is rejected and the stored counter left untouched.
func (s *WebAuthnService) applyAssertion(staff *models.Staff, credential *webauthn.Credential) (*models.WebAuthnCredential, error) {
	if credential.Authenticator.CloneWarning {
		logger.Warn("webauthn_counter_regression", map[string]interface{}{
			"staff_id":   staff.ID,
			"sign_count": credential.Authenticator.SignCount,
		})
		return nil, ErrReplayDetected
	}

	row, err := s.findCredential(models.EncodeCredentialID(credential.ID), staff.ID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	err = s.DB.Model(row).Updates(map[string]interface{}{
		"sign_count":   credential.Authenticator.SignCount,
		"last_used_at": now,
	}).Error
	if err != nil {
		return nil, err
	}
	return row, nil
}

// findCredential resolves a canonical credential ID against rows that may
// still carry the legacy double encoding: it tries the literal value, the
// value wrapped once more, and the unwrapped value. Scoped to one staff
// member, so an un-migrated conflict row never resolves to someone else.
func (s *WebAuthnService) findCredential(id string, staffID uint) (*models.WebAuthnCredential, error) {
	candidates := models.CredentialIDCandidates(id)
	candidates = append(candidates, models.EncodeCredentialID([]byte(id)))

	var row models.WebAuthnCredential
	err := s.DB.First(&row, "credential_id IN ? AND staff_id = ?", candidates, staffID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}
