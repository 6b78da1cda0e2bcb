package signing

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bnb-chain/tss-lib/v2/ecdsa/keygen"
)

// DefaultPreParamsTimeout bounds safe prime generation.
const DefaultPreParamsTimeout = 10 * time.Minute

var ErrInvalidPreParams = errors.New("invalid keygen pre-parameters")

// GeneratePreParams generates and checks Paillier and safe prime parameters
// for key generation.
func GeneratePreParams(timeout time.Duration) (*keygen.LocalPreParams, error) {
	if timeout <= 0 {
		timeout = DefaultPreParamsTimeout
	}
	params, err := keygen.GeneratePreParams(timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to generate pre-parameters: %w", err)
	}
	if !params.ValidateWithProof() {
		return nil, ErrInvalidPreParams
	}
	return params, nil
}

func LoadPreParams(path string) (*keygen.LocalPreParams, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pre-parameters: %w", err)
	}
	var params keygen.LocalPreParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("failed to parse pre-parameters: %w", err)
	}
	if !params.ValidateWithProof() {
		return nil, ErrInvalidPreParams
	}
	return &params, nil
}

func SavePreParams(path string, params *keygen.LocalPreParams) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal pre-parameters: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write pre-parameters: %w", err)
	}
	return nil
}
