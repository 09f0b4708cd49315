package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Environment variables read by the local signer.
const (
	EnvPrivateKey           = "DEXKIT_PRIVATE_KEY"
	EnvPrivateKeyFile       = "DEXKIT_PRIVATE_KEY_FILE"
	EnvKeystorePath         = "DEXKIT_KEYSTORE_PATH"
	EnvKeystorePassword     = "DEXKIT_KEYSTORE_PASSWORD"
	EnvKeystorePasswordFile = "DEXKIT_KEYSTORE_PASSWORD_FILE"
)

// Values of the signer.key_source setting.
const (
	KeySourceAuto     = "auto"
	KeySourceEnv      = "env"
	KeySourceFile     = "file"
	KeySourceKeystore = "keystore"
)

// keyFileName is resolved under the user config dir.
const keyFileName = "dexkit/key.hex"

// LocalSigner signs with an in-process secp256k1 key.
type LocalSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func (s *LocalSigner) Address() common.Address {
	return s.address
}

func (s *LocalSigner) SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	if s == nil || s.key == nil {
		return nil, errors.New("local signer has no key")
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// LocalSignerConfig holds key material. When several fields are set the hex
// key wins over the key file, and the key file over the keystore.
type LocalSignerConfig struct {
	PrivateKeyHex        string
	PrivateKeyFile       string
	KeystorePath         string
	KeystorePassword     string
	KeystorePasswordFile string
}

// LocalSignerConfigFromEnv keeps only the variables that key source may use.
// auto and file fall back to $XDG_CONFIG_HOME/dexkit/key.hex when it exists.
func LocalSignerConfigFromEnv(source string) (LocalSignerConfig, error) {
	env := func(name string) string { return strings.TrimSpace(os.Getenv(name)) }
	keyFile := env(EnvPrivateKeyFile)
	if keyFile == "" {
		keyFile = existingKeyFile()
	}
	keystoreOnly := LocalSignerConfig{
		KeystorePath:         env(EnvKeystorePath),
		KeystorePassword:     env(EnvKeystorePassword),
		KeystorePasswordFile: env(EnvKeystorePasswordFile),
	}

	switch normalizeSource(source) {
	case KeySourceAuto:
		cfg := keystoreOnly
		cfg.PrivateKeyHex = env(EnvPrivateKey)
		cfg.PrivateKeyFile = keyFile
		return cfg, nil
	case KeySourceEnv:
		return LocalSignerConfig{PrivateKeyHex: env(EnvPrivateKey)}, nil
	case KeySourceFile:
		return LocalSignerConfig{PrivateKeyFile: keyFile}, nil
	case KeySourceKeystore:
		return keystoreOnly, nil
	}
	return LocalSignerConfig{}, fmt.Errorf("key source %q is not one of %s, %s, %s, %s",
		source, KeySourceAuto, KeySourceEnv, KeySourceFile, KeySourceKeystore)
}

func NewLocalSignerFromEnv(source string) (*LocalSigner, error) {
	cfg, err := LocalSignerConfigFromEnv(source)
	if err != nil {
		return nil, err
	}
	s, err := NewLocalSigner(cfg)
	if errors.Is(err, errNoKey) {
		return nil, fmt.Errorf("%w for key source %s: set %s", err, normalizeSource(source), sourceHint(normalizeSource(source)))
	}
	return s, err
}

func NewLocalSigner(cfg LocalSignerConfig) (*LocalSigner, error) {
	key, err := cfg.load()
	if err != nil {
		return nil, err
	}
	return &LocalSigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

var errNoKey = errors.New("no signing key configured")

func (c LocalSignerConfig) load() (*ecdsa.PrivateKey, error) {
	if strings.TrimSpace(c.PrivateKeyHex) != "" {
		return parseHexKey(c.PrivateKeyHex)
	}
	if path := strings.TrimSpace(c.PrivateKeyFile); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read key file %s: %w", path, err)
		}
		return parseHexKey(string(raw))
	}
	if path := strings.TrimSpace(c.KeystorePath); path != "" {
		return c.decryptKeystore(path)
	}
	return nil, errNoKey
}

func (c LocalSignerConfig) decryptKeystore(path string) (*ecdsa.PrivateKey, error) {
	password := strings.TrimSpace(c.KeystorePassword)
	if password == "" && strings.TrimSpace(c.KeystorePasswordFile) != "" {
		raw, err := os.ReadFile(c.KeystorePasswordFile)
		if err != nil {
			return nil, fmt.Errorf("read keystore password file: %w", err)
		}
		password = strings.TrimSpace(string(raw))
	}
	if password == "" {
		return nil, fmt.Errorf("keystore %s needs %s or %s", path, EnvKeystorePassword, EnvKeystorePasswordFile)
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keystore %s: %w", path, err)
	}
	key, err := keystore.DecryptKey(blob, password)
	if err != nil {
		return nil, fmt.Errorf("decrypt keystore %s: %w", path, err)
	}
	return key.PrivateKey, nil
}

func parseHexKey(raw string) (*ecdsa.PrivateKey, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if hex == "" {
		return nil, errors.New("private key is empty")
	}
	key, err := crypto.HexToECDSA(hex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func normalizeSource(source string) string {
	source = strings.ToLower(strings.TrimSpace(source))
	if source == "" {
		return KeySourceAuto
	}
	return source
}

func sourceHint(source string) string {
	switch source {
	case KeySourceEnv:
		return EnvPrivateKey
	case KeySourceFile:
		return EnvPrivateKeyFile + " or create " + filepath.Join("$XDG_CONFIG_HOME", keyFileName)
	case KeySourceKeystore:
		return EnvKeystorePath + " with a password"
	default:
		return strings.Join([]string{EnvPrivateKey, EnvPrivateKeyFile, EnvKeystorePath}, ", ")
	}
}

func defaultPrivateKeyPath() string {
	base := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, keyFileName)
}

// existingKeyFile returns the default key path if a regular file is there.
func existingKeyFile() string {
	path := defaultPrivateKeyPath()
	if path == "" {
		return ""
	}
	if info, err := os.Stat(path); err != nil || !info.Mode().IsRegular() {
		return ""
	}
	return path
}
