package ca

import (
	"sync"

	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
)

// KeyMaterialProvider loads the CA key material on first use. The loader is
// invoked at most once; its result, error included, is shared by all callers.
type KeyMaterialProvider struct {
	get func() (*KeyMaterial, error)
}

// NewKeyMaterialProvider returns a provider backed by loader
func NewKeyMaterialProvider(loader KeyLoader) *KeyMaterialProvider {
	return &KeyMaterialProvider{
		get: sync.OnceValues(func() (*KeyMaterial, error) {
			log.Debug("Loading CA key material")
			km, err := loader.Load()
			if err != nil {
				log.Errorf("Failed to load CA key material: %s", err)
				return nil, errors.WithMessage(err, "Failed to load CA key material")
			}
			if km == nil || km.PrivateKey == nil || km.Certificate == nil {
				return nil, errors.New("Incomplete CA key material")
			}
			return km, nil
		}),
	}
}

// Get returns the key material, loading it if needed
func (p *KeyMaterialProvider) Get() (*KeyMaterial, error) {
	return p.get()
}
