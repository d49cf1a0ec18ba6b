package api

import (
	"errors"
	"net/http"

	"github.com/ruteri/ca-approval-backend/cryptoutils"
	"github.com/ruteri/ca-approval-backend/interfaces"
)

// ErrUnauthenticated is returned when a request carries no admin identity.
var ErrUnauthenticated = errors.New("no admin client certificate presented")

// AdminFromRequest identifies the admin behind a request by the verified TLS
// client certificate. With trustHeaders the identity headers take precedence.
func AdminFromRequest(r *http.Request, trustHeaders bool) (interfaces.AdminIdentity, error) {
	if trustHeaders {
		issuer, serial := r.Header.Get(AdminIssuerHeader), r.Header.Get(AdminSerialHeader)
		if issuer != "" && serial != "" {
			return interfaces.AdminIdentity{IssuerDN: issuer, SerialNumber: serial}, nil
		}
	}
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return interfaces.AdminIdentity{}, ErrUnauthenticated
	}
	return cryptoutils.AdminIdentityFromCertificate(r.TLS.PeerCertificates[0]), nil
}
