/*
Copyright The Crucible Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package agentclient

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RequestSigner signs agent requests with the core's static private key.
// Agents verify with the matching public key injected at pod creation.
type RequestSigner struct {
	privateKey *rsa.PrivateKey
}

// NewRequestSigner loads a PEM private key from keyFile.
func NewRequestSigner(keyFile string) (*RequestSigner, error) {
	data, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("read private key file: %w", err)
	}
	return NewRequestSignerFromPEM(data)
}

// NewRequestSignerFromPEM builds a signer from PEM bytes. PKCS1 and
// PKCS8 encodings are both accepted.
func NewRequestSignerFromPEM(data []byte) (*RequestSigner, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("decode PEM block failed")
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		pkcs8Key, err2 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err2 != nil {
			return nil, fmt.Errorf("parse private key: %v (also tried PKCS8: %v)", err, err2)
		}
		var ok bool
		key, ok = pkcs8Key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key is not an RSA private key")
		}
	}
	return &RequestSigner{privateKey: key}, nil
}

// GenerateSigner mints an ephemeral keypair and returns the signer plus
// the PEM public key to inject into sandboxes. Used when no key file is
// configured; sandboxes outliving a core restart are unreachable then
// and get reaped.
func GenerateSigner() (*RequestSigner, string, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, "", fmt.Errorf("generate RSA key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, "", fmt.Errorf("marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return &RequestSigner{privateKey: key}, string(pubPEM), nil
}

// PublicKeyPEM returns the PEM public key matching the signing key,
// for injection into sandbox pods.
func (rs *RequestSigner) PublicKeyPEM() (string, error) {
	pubDER, err := x509.MarshalPKIXPublicKey(&rs.privateKey.PublicKey)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})), nil
}

// SignRequest adds a signed JWT Authorization header covering a
// canonical digest of the request.
func (rs *RequestSigner) SignRequest(req *http.Request, body []byte) error {
	claims := jwt.MapClaims{
		"iss":                      "crucible-core",
		"iat":                      time.Now().Unix(),
		"exp":                      time.Now().Add(5 * time.Minute).Unix(),
		"canonical_request_sha256": CanonicalRequestHash(req, body),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodPS256, claims)
	tokenString, err := token.SignedString(rs.privateKey)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tokenString)
	return nil
}

// CanonicalRequestHash digests the parts of a request the signature
// covers: method, path, sorted query, content-type, and body.
// Format: Method \n URI \n QueryString \n CanonicalHeaders \n SignedHeaders \n BodyHash.
func CanonicalRequestHash(r *http.Request, body []byte) string {
	uri := r.URL.Path
	if uri == "" {
		uri = "/"
	}
	canonicalHeaders, signedHeaders := canonicalHeaders(r)
	bodyHash := fmt.Sprintf("%x", sha256.Sum256(body))

	canonicalRequest := strings.Join([]string{
		strings.ToUpper(r.Method),
		uri,
		canonicalQueryString(r),
		canonicalHeaders,
		signedHeaders,
		bodyHash,
	}, "\n")

	hash := sha256.Sum256([]byte(canonicalRequest))
	return fmt.Sprintf("%x", hash)
}

func canonicalQueryString(r *http.Request) string {
	query := r.URL.Query()
	if len(query) == 0 {
		return ""
	}
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var pairs []string
	for _, k := range keys {
		values := query[k]
		sort.Strings(values)
		for _, v := range values {
			pairs = append(pairs, k+"="+v)
		}
	}
	return strings.Join(pairs, "&")
}

func canonicalHeaders(r *http.Request) (headers string, signed string) {
	headerMap := make(map[string]string)
	if v := r.Header.Get("Content-Type"); v != "" {
		headerMap["content-type"] = strings.TrimSpace(v)
	}

	keys := make([]string, 0, len(headerMap))
	for k := range headerMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var lines []string
	for _, k := range keys {
		lines = append(lines, k+":"+headerMap[k])
	}
	if len(lines) > 0 {
		headers = strings.Join(lines, "\n") + "\n"
	} else {
		headers = "\n"
	}
	return headers, strings.Join(keys, ";")
}
