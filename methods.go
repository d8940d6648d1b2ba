package nbsftp

import (
	"fmt"
	"slices"
)

// MethodCategory selects one of the algorithm lists negotiated during key exchange.
type MethodCategory int

// Method categories, in KEXINIT order.
const (
	MethodKex MethodCategory = iota
	MethodHostKey
	MethodCipherClientToServer
	MethodCipherServerToClient
	MethodMACClientToServer
	MethodMACServerToClient
	MethodCompressionClientToServer
	MethodCompressionServerToClient

	numMethodCategories
)

var methodCategoryNames = [...]string{
	MethodKex:                       "kex",
	MethodHostKey:                   "hostkey",
	MethodCipherClientToServer:      "cipher c2s",
	MethodCipherServerToClient:      "cipher s2c",
	MethodMACClientToServer:         "mac c2s",
	MethodMACServerToClient:         "mac s2c",
	MethodCompressionClientToServer: "compression c2s",
	MethodCompressionServerToClient: "compression s2c",
}

func (c MethodCategory) String() string {
	if c >= 0 && c < numMethodCategories {
		return methodCategoryNames[c]
	}
	return fmt.Sprintf("MethodCategory(%d)", int(c))
}

// Algorithm names.
const (
	KexCurve25519       = "curve25519-sha256"
	KexCurve25519LibSSH = "curve25519-sha256@libssh.org"
	KexECDHP256         = "ecdh-sha2-nistp256"
	KexECDHP384         = "ecdh-sha2-nistp384"
	KexECDHP521         = "ecdh-sha2-nistp521"

	CipherAES128GCM = "aes128-gcm@openssh.com"
	CipherAES256GCM = "aes256-gcm@openssh.com"
	CipherAES128CTR = "aes128-ctr"
	CipherAES192CTR = "aes192-ctr"
	CipherAES256CTR = "aes256-ctr"

	MACSHA256ETM = "hmac-sha2-256-etm@openssh.com"
	MACSHA512ETM = "hmac-sha2-512-etm@openssh.com"
	MACSHA256    = "hmac-sha2-256"
	MACSHA512    = "hmac-sha2-512"
	MACSHA1      = "hmac-sha1"

	CompressionNone = "none"
)

var supportedHostKeyAlgos = []string{
	"ssh-ed25519",
	"ecdsa-sha2-nistp256",
	"ecdsa-sha2-nistp384",
	"ecdsa-sha2-nistp521",
	"rsa-sha2-256",
	"rsa-sha2-512",
}

var supportedCiphers = []string{
	CipherAES128GCM,
	CipherAES256GCM,
	CipherAES128CTR,
	CipherAES192CTR,
	CipherAES256CTR,
}

var supportedMACs = []string{
	MACSHA256ETM,
	MACSHA512ETM,
	MACSHA256,
	MACSHA512,
	MACSHA1,
}

// supportedMethods lists every algorithm per category, in default preference order.
var supportedMethods = [numMethodCategories][]string{
	MethodKex: {
		KexCurve25519,
		KexCurve25519LibSSH,
		KexECDHP256,
		KexECDHP384,
		KexECDHP521,
	},
	MethodHostKey:                   supportedHostKeyAlgos,
	MethodCipherClientToServer:      supportedCiphers,
	MethodCipherServerToClient:      supportedCiphers,
	MethodMACClientToServer:         supportedMACs,
	MethodMACServerToClient:         supportedMACs,
	MethodCompressionClientToServer: {CompressionNone},
	MethodCompressionServerToClient: {CompressionNone},
}

// SupportedMethods returns the algorithms the session implements for category.
func SupportedMethods(category MethodCategory) []string {
	if category < 0 || category >= numMethodCategories {
		return nil
	}
	return slices.Clone(supportedMethods[category])
}

// SetMethodPreference replaces the ordered list of algorithms offered for category.
//
// Later calls overwrite earlier ones. Names the session does not implement are dropped,
// and a list left empty by that is rejected with ErrUnsupported.
// It is only valid before the client's KEXINIT has been built.
func (s *Session) SetMethodPreference(category MethodCategory, methods []string) error {
	const op = "set method preference"

	if !s.mu.TryLock() {
		return s.record(newError(CodeSessionBusy, op, nil))
	}
	defer s.mu.Unlock()

	if category < 0 || category >= numMethodCategories {
		return s.record(newError(CodeInvalidState, op, fmt.Errorf("unknown method category %d", int(category))))
	}

	if s.kexInit != nil || (s.State() != StateUnconnected && s.State() != StateKeyExchange) {
		return s.record(newError(CodeInvalidState, op, fmt.Errorf("key exchange already started, state %s", s.State())))
	}

	var prefs []string
	for _, m := range methods {
		if slices.Contains(supportedMethods[category], m) && !slices.Contains(prefs, m) {
			prefs = append(prefs, m)
		}
	}

	if len(prefs) == 0 {
		return s.record(newError(CodeUnsupported, op, fmt.Errorf("no supported %s method in %q", category, methods)))
	}

	s.prefs[category] = prefs
	return nil
}

// Methods returns the algorithm negotiated for category,
// or the empty string before key exchange completes.
func (s *Session) Methods(category MethodCategory) string {
	if category < 0 || category >= numMethodCategories {
		return ""
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.negotiated[category]
}

func (s *Session) preference(category MethodCategory) []string {
	if p := s.prefs[category]; p != nil {
		return p
	}
	return supportedMethods[category]
}

// findAgreed returns the first client algorithm also offered by the server.
func findAgreed(client, server []string) (string, bool) {
	for _, c := range client {
		if slices.Contains(server, c) {
			return c, true
		}
	}
	return "", false
}

// negotiate picks one algorithm per category from the two KEXINIT messages.
func negotiate(client, server *kexInitMsg) (algs [numMethodCategories]string, err error) {
	lists := func(m *kexInitMsg) [numMethodCategories][]string {
		return [numMethodCategories][]string{
			MethodKex:                       m.KexAlgos,
			MethodHostKey:                   m.ServerHostKeyAlgos,
			MethodCipherClientToServer:      m.CiphersClientServer,
			MethodCipherServerToClient:      m.CiphersServerClient,
			MethodMACClientToServer:         m.MACsClientServer,
			MethodMACServerToClient:         m.MACsServerClient,
			MethodCompressionClientToServer: m.CompressionClientServer,
			MethodCompressionServerToClient: m.CompressionServerClient,
		}
	}

	c, s := lists(client), lists(server)

	for cat := MethodCategory(0); cat < numMethodCategories; cat++ {
		// AEAD ciphers carry their own integrity, so no MAC is negotiated for them.
		switch cat {
		case MethodMACClientToServer:
			if isAEAD(algs[MethodCipherClientToServer]) {
				continue
			}
		case MethodMACServerToClient:
			if isAEAD(algs[MethodCipherServerToClient]) {
				continue
			}
		}

		alg, ok := findAgreed(c[cat], s[cat])
		if !ok {
			return algs, fmt.Errorf("no common %s algorithm; client offered %q, server offered %q", cat, c[cat], s[cat])
		}
		algs[cat] = alg
	}

	return algs, nil
}

func isAEAD(cipher string) bool {
	return cipher == CipherAES128GCM || cipher == CipherAES256GCM
}
