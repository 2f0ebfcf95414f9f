package tokenpool

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Account is one upstream login credential.
type Account struct {
	Email    string
	Password string
}

type accountLine struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	// Deprecated alias still found in older account files.
	K2Password string `json:"k2_password"`
}

// LoadAccounts reads the accounts file: one JSON object per line, blank and
// # lines ignored. Lines missing email or password are skipped rather than
// failing the whole file.
func LoadAccounts(path string) ([]Account, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	defer f.Close()

	var accounts []Account
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var rec accountLine
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		password := rec.Password
		if password == "" {
			password = rec.K2Password
		}
		if strings.TrimSpace(rec.Email) == "" || strings.TrimSpace(password) == "" {
			continue
		}
		accounts = append(accounts, Account{
			Email:    strings.TrimSpace(rec.Email),
			Password: strings.TrimSpace(password),
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	return accounts, nil
}
