package idp

import (
	"fmt"

	"github.com/hashicorp/go-secure-stdlib/nonceutil"
)

// NonceService issues single-use values for the login state and ID token
// nonce. Redeeming a value twice fails, which stops replayed callbacks.
type NonceService struct {
	svc nonceutil.NonceService
}

func NewNonceService() (*NonceService, error) {
	svc := nonceutil.NewNonceService()
	if err := svc.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize nonce service: %w", err)
	}
	return &NonceService{svc}, nil
}

func (s *NonceService) Get() (string, error) {
	nonce, _, err := s.svc.Get()
	if err != nil {
		return "", err
	}
	return nonce, nil
}

func (s *NonceService) Redeem(nonce string) error {
	if ok := s.svc.Redeem(nonce); !ok {
		return fmt.Errorf("nonce '%s' unknown or already redeemed", nonce)
	}
	return nil
}
