package services

import (
	cryptorand "crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"

	"github.com/spf13/viper"
	"golang.org/x/crypto/argon2"
)

const passwordAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz23456789!@#$%"

type passwordParams struct {
	time      uint32
	memory    uint32
	threads   uint8
	keyLength uint32
	saltLen   int
}

// argon2Params reads the argon2.* settings, falling back to sane values for
// anything unset.
func argon2Params() passwordParams {
	p := passwordParams{time: 1, memory: 64 * 1024, threads: 4, keyLength: 32, saltLen: 16}
	if v := viper.GetInt("argon2.time"); v > 0 {
		p.time = uint32(v)
	}
	if v := viper.GetInt("argon2.memory"); v > 0 {
		p.memory = uint32(v)
	}
	if v := viper.GetInt("argon2.threads"); v > 0 {
		p.threads = uint8(v)
	}
	if v := viper.GetInt("argon2.key_length"); v > 0 {
		p.keyLength = uint32(v)
	}
	if v := viper.GetInt("argon2.salt_length"); v > 0 {
		p.saltLen = v
	}
	return p
}

func hashPassword(password string) (string, error) {
	p := argon2Params()
	salt := make([]byte, p.saltLen)
	if _, err := cryptorand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(password), salt, p.time, p.memory, p.threads, p.keyLength)
	return fmt.Sprintf("%s$%s", base64.StdEncoding.EncodeToString(salt), base64.StdEncoding.EncodeToString(hash)), nil
}

// generatePassword returns a random password of n characters for new wallet
// profiles. It is shown to the user once and only its hash is stored.
func generatePassword(n int) (string, error) {
	max := big.NewInt(int64(len(passwordAlphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := cryptorand.Int(cryptorand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = passwordAlphabet[idx.Int64()]
	}
	return string(b), nil
}
