package boxd

import (
	"bytes"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// PublicKeyEnvVar is where the sandbox manager injects the core's
// PEM public key.
const PublicKeyEnvVar = "BOXD_PUBLIC_KEY"

// Verifier checks that requests were signed by the core. The key is
// static for the pod's lifetime.
type Verifier struct {
	publicKey *rsa.PublicKey
}

// NewVerifierFromEnv loads the core's public key from the environment.
func NewVerifierFromEnv() (*Verifier, error) {
	keyPEM := os.Getenv(PublicKeyEnvVar)
	if keyPEM == "" {
		return nil, fmt.Errorf("boxd: %s is not set", PublicKeyEnvVar)
	}
	return NewVerifier([]byte(keyPEM))
}

// NewVerifier parses a PEM public key.
func NewVerifier(keyPEM []byte) (*Verifier, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("boxd: decode public key PEM failed")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("boxd: parse public key failed: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("boxd: key is not an RSA public key")
	}
	return &Verifier{publicKey: rsaPub}, nil
}

// Middleware rejects requests without a valid PS256 JWT whose canonical
// request digest matches what was actually received.
func (v *Verifier) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing Authorization header"})
			c.Abort()
			return
		}
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "malformed Authorization header"})
			c.Abort()
			return
		}

		token, err := jwt.Parse(parts[1], func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodRSAPSS); !ok {
				return nil, fmt.Errorf("unexpected signing method %v, expected PS256", token.Header["alg"])
			}
			return v.publicKey, nil
		}, jwt.WithExpirationRequired(), jwt.WithIssuedAt(), jwt.WithLeeway(time.Minute))
		if err != nil || !token.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": fmt.Sprintf("token verification failed: %v", err)})
			c.Abort()
			return
		}

		var bodyBytes []byte
		if c.Request.Body != nil {
			bodyBytes, _ = io.ReadAll(io.LimitReader(c.Request.Body, maxBodySize+1))
			c.Request.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}
		if len(bodyBytes) > maxBodySize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			c.Abort()
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token claims"})
			c.Abort()
			return
		}
		claimedHash, _ := claims["canonical_request_sha256"].(string)
		if claimedHash == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "token lacks request digest"})
			c.Abort()
			return
		}
		if claimedHash != canonicalRequestHash(c.Request, bodyBytes) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "request integrity check failed"})
			c.Abort()
			return
		}

		c.Next()
	}
}

// canonicalRequestHash mirrors the core's signing digest.
// Format: Method \n URI \n QueryString \n CanonicalHeaders \n SignedHeaders \n BodyHash.
func canonicalRequestHash(r *http.Request, body []byte) string {
	uri := r.URL.Path
	if uri == "" {
		uri = "/"
	}
	headers, signed := canonicalHeaders(r)
	bodyHash := fmt.Sprintf("%x", sha256.Sum256(body))

	canonicalRequest := strings.Join([]string{
		strings.ToUpper(r.Method),
		uri,
		canonicalQueryString(r),
		headers,
		signed,
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
