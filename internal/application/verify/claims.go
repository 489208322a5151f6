package verify

import (
	"encoding/json"

	"github.com/golang-jwt/jwt/v5"
)

// expiryAwareClaims hides exp from the validator when expiry checking is
// off. nbf, iss and aud are still validated.
type expiryAwareClaims struct {
	claims           jwt.MapClaims
	ignoreExpiration bool
}

func (c *expiryAwareClaims) UnmarshalJSON(b []byte) error {
	return json.Unmarshal(b, &c.claims)
}

func (c *expiryAwareClaims) GetExpirationTime() (*jwt.NumericDate, error) {
	if c.ignoreExpiration {
		return nil, nil
	}
	return c.claims.GetExpirationTime()
}

func (c *expiryAwareClaims) GetIssuedAt() (*jwt.NumericDate, error) {
	return c.claims.GetIssuedAt()
}

func (c *expiryAwareClaims) GetNotBefore() (*jwt.NumericDate, error) {
	return c.claims.GetNotBefore()
}

func (c *expiryAwareClaims) GetIssuer() (string, error) {
	return c.claims.GetIssuer()
}

func (c *expiryAwareClaims) GetSubject() (string, error) {
	return c.claims.GetSubject()
}

func (c *expiryAwareClaims) GetAudience() (jwt.ClaimStrings, error) {
	return c.claims.GetAudience()
}
