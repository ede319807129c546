// Package anonymize implements PII anonymization (§Glossary): string fields
// considered personally identifying are replaced with a deterministic
// HMAC-SHA256 digest keyed by a shared secret, with the original value
// recoverable via an append-only CSV lookup table unless privacy mode
// disables it entirely.
package anonymize

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"os"
	"sync"

	"go.uber.org/zap"
)

// piiFields are the entity fields treated as personally identifying and
// replaced at serialization time.
var piiFields = map[string]struct{}{
	"author_name":  {},
	"email":        {},
	"author_email": {},
}

// Anonymizer replaces PII string values with a deterministic digest and
// records the reverse mapping in an append-only CSV lookup table, unless
// running in privacy mode.
type Anonymizer struct {
	secret      []byte
	lookupPath  string
	privacyMode bool
	logger      *zap.Logger

	mu     sync.Mutex
	seen   map[string]struct{}
	file   *os.File
	warned bool
}

// New creates an Anonymizer. When privacyMode is true the lookup table is
// never opened: Digest still returns the deterministic value, but nothing is
// ever written to or read from disk, per LOOKUP_DB_DISABLE_IO.
func New(secret, lookupPath string, privacyMode bool, logger *zap.Logger) *Anonymizer {
	return &Anonymizer{
		secret:      []byte(secret),
		lookupPath:  lookupPath,
		privacyMode: privacyMode,
		logger:      logger.Named("anonymize"),
		seen:        make(map[string]struct{}),
	}
}

// Digest returns the deterministic HMAC-SHA256 hex digest of value. Unless in
// privacy mode, the first time a digest is seen its mapping is appended to
// the lookup table.
func (a *Anonymizer) Digest(value string) string {
	if value == "" {
		return value
	}
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(value))
	digest := hex.EncodeToString(mac.Sum(nil))

	if a.privacyMode {
		a.mu.Lock()
		warn := !a.warned
		a.warned = true
		a.mu.Unlock()
		if warn {
			a.logger.Info("anonymize: privacy mode enabled, lookup table disabled")
		}
		return digest
	}

	a.recordMapping(digest, value)
	return digest
}

func (a *Anonymizer) recordMapping(digest, value string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.seen[digest]; ok {
		return
	}
	a.seen[digest] = struct{}{}

	if a.file == nil {
		f, err := os.OpenFile(a.lookupPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			a.logger.Warn("anonymize: failed to open lookup table", zap.Error(err))
			return
		}
		a.file = f
	}

	w := csv.NewWriter(a.file)
	if err := w.Write([]string{digest, value}); err != nil {
		a.logger.Warn("anonymize: failed to write lookup row", zap.Error(err))
		return
	}
	w.Flush()
	if err := w.Error(); err != nil {
		a.logger.Warn("anonymize: failed to flush lookup row", zap.Error(err))
	}
}

// Close flushes and closes the lookup table file, if one was opened.
func (a *Anonymizer) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}

// Reverse looks up the original value for digest in the lookup table. Not on
// the hot anonymization path — only operator tooling that needs to
// de-anonymize an artifact calls this.
func (a *Anonymizer) Reverse(digest string) (string, bool) {
	if a.privacyMode {
		return "", false
	}
	f, err := os.Open(a.lookupPath)
	if err != nil {
		return "", false
	}
	defer f.Close()

	r := csv.NewReader(f)
	for {
		record, err := r.Read()
		if err != nil {
			return "", false
		}
		if len(record) == 2 && record[0] == digest {
			return record[1], true
		}
	}
}

// Item walks a decoded JSON object and replaces every PII field's string
// value with its digest, recursing into nested objects and arrays so
// author/committer sub-objects are covered too.
func Item(a *Anonymizer, obj map[string]any) map[string]any {
	for k, v := range obj {
		switch val := v.(type) {
		case string:
			if _, pii := piiFields[k]; pii {
				obj[k] = a.Digest(val)
			}
		case map[string]any:
			obj[k] = Item(a, val)
		case []any:
			for i, elem := range val {
				if m, ok := elem.(map[string]any); ok {
					val[i] = Item(a, m)
				}
			}
		}
	}
	return obj
}
