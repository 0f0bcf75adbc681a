// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"

	"github.com/workflowd/engine/pkg/config"
	"github.com/workflowd/engine/pkg/keyring"
)

// RotateKeyCmd retires the current signing key and mints a new one,
// keeping every prior key available for verification so in-flight tokens
// signed under the old key keep verifying. Tokens carry no expiry, so an old
// token stays valid for as long as its key remains in the keyring.
type RotateKeyCmd struct{}

func (c *RotateKeyCmd) Run(cli *CLI) error {
	loader, err := config.NewLoader(config.LoaderOptions{Path: cli.Config})
	if err != nil {
		return fmt.Errorf("rotate-key: build config loader: %w", err)
	}
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("rotate-key: load config: %w", err)
	}

	kr, err := keyring.Load(cfg.KeyringPath)
	if err != nil {
		return fmt.Errorf("rotate-key: load keyring: %w", err)
	}
	if err := kr.Rotate(); err != nil {
		return fmt.Errorf("rotate-key: rotate: %w", err)
	}
	if err := keyring.Save(cfg.KeyringPath, kr); err != nil {
		return fmt.Errorf("rotate-key: save: %w", err)
	}

	fmt.Printf("rotated signing key; new signing key id: %s\n", kr.SigningKeyID)
	fmt.Printf("verification keys retained: %d\n", len(kr.VerificationKeys()))
	return nil
}
