package operations

import (
	"encoding/json"
	"fmt"

	"github.com/ruteri/ca-approval-backend/interfaces"
)

// ActivateCATokenPayload activates the signing token of a CA. The server
// stores the activation code only in sealed form.
type ActivateCATokenPayload struct {
	CAID           int32  `json:"ca_id"`
	ActivationCode string `json:"activation_code,omitempty"`
	SealedCode     []byte `json:"sealed_code,omitempty"`
}

// KeyRecoveryPayload recovers the escrowed key of an end entity.
type KeyRecoveryPayload struct {
	Username string `json:"username"`
}

// EndEntityPayload adds or replaces an end entity. When CSRPEM is set a
// certificate is issued by the entity's CA; when KeyPEM is set and the entity
// is key recoverable, the key is escrowed. KeyPEM is stored sealed as SealedKey.
type EndEntityPayload struct {
	Username           string `json:"username"`
	SubjectDN          string `json:"subject_dn"`
	CAID               int32  `json:"ca_id"`
	EndEntityProfileID int32  `json:"end_entity_profile_id"`
	KeyRecoverable     bool   `json:"key_recoverable,omitempty"`
	CSRPEM             string `json:"csr_pem,omitempty"`
	KeyPEM             string `json:"key_pem,omitempty"`
	SealedKey          []byte `json:"sealed_key,omitempty"`
}

// RevocationPayload revokes the certificate of an end entity.
type RevocationPayload struct {
	Username string `json:"username"`
	Reason   string `json:"reason,omitempty"`
}

// EncodePayload serializes an operation payload for an approval request.
func EncodePayload(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Discriminator returns the approval id discriminator of a payload: two
// requests with the same discriminator are the same request. Secrets such as
// activation codes are not part of it.
func Discriminator(approvalType interfaces.ApprovalType, payload []byte) (string, error) {
	switch approvalType {
	case interfaces.ActivateCAToken:
		var p ActivateCATokenPayload
		if err := decode(payload, &p); err != nil {
			return "", err
		}
		return fmt.Sprintf("ca:%d", p.CAID), nil
	case interfaces.KeyRecovery:
		var p KeyRecoveryPayload
		if err := decode(payload, &p); err != nil {
			return "", err
		}
		return "user:" + p.Username, nil
	case interfaces.AddEditEndEntity:
		var p EndEntityPayload
		if err := decode(payload, &p); err != nil {
			return "", err
		}
		return "user:" + p.Username, nil
	case interfaces.Revocation:
		var p RevocationPayload
		if err := decode(payload, &p); err != nil {
			return "", err
		}
		return "user:" + p.Username, nil
	default:
		return "", nil
	}
}

func decode(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
