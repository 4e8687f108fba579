package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	sheetsScope     = "https://www.googleapis.com/auth/spreadsheets"
	defaultTokenURI = "https://oauth2.googleapis.com/token"
	metadataToken   = "http://metadata.google.internal/computeMetadata/v1/instance/service-accounts/default/token"
)

// TokenSource は Sheets API 用のアクセストークンを返します
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken は固定のアクセストークンです
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", fmt.Errorf("access token is empty")
	}
	return string(t), nil
}

type serviceAccountKey struct {
	Type         string `json:"type"`
	ClientEmail  string `json:"client_email"`
	PrivateKeyID string `json:"private_key_id"`
	PrivateKey   string `json:"private_key"`
	TokenURI     string `json:"token_uri"`
}

type cachedToken struct {
	mu     sync.Mutex
	token  string
	expiry time.Time
}

func (c *cachedToken) get(now time.Time) (string, bool) {
	if c.token != "" && now.Before(c.expiry) {
		return c.token, true
	}
	return "", false
}

func (c *cachedToken) set(token string, expiresIn int, now time.Time) {
	c.token = token
	// 期限の1分前には更新する
	c.expiry = now.Add(time.Duration(expiresIn-60) * time.Second)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// ServiceAccountTokenSource はサービスアカウント鍵で署名したJWTをトークンに交換します
type ServiceAccountTokenSource struct {
	key        serviceAccountKey
	signingKey interface{}
	httpClient *http.Client
	cache      cachedToken
}

// NewServiceAccountTokenSource は GOOGLE_APPLICATION_CREDENTIALS 形式の鍵ファイルを読み込みます
func NewServiceAccountTokenSource(credentialsFile string, httpClient *http.Client) (*ServiceAccountTokenSource, error) {
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}
	return newServiceAccountTokenSource(data, httpClient)
}

func newServiceAccountTokenSource(data []byte, httpClient *http.Client) (*ServiceAccountTokenSource, error) {
	var key serviceAccountKey
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, fmt.Errorf("failed to parse credentials file: %w", err)
	}
	if key.ClientEmail == "" {
		return nil, fmt.Errorf("client_email is missing in credentials file")
	}
	if key.TokenURI == "" {
		key.TokenURI = defaultTokenURI
	}

	signingKey, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(key.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	return &ServiceAccountTokenSource{key: key, signingKey: signingKey, httpClient: httpClient}, nil
}

func (s *ServiceAccountTokenSource) Token(ctx context.Context) (string, error) {
	s.cache.mu.Lock()
	defer s.cache.mu.Unlock()

	now := time.Now()
	if token, ok := s.cache.get(now); ok {
		return token, nil
	}

	assertion, err := s.assertion(now)
	if err != nil {
		return "", fmt.Errorf("failed to sign assertion: %w", err)
	}

	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.key.TokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	tr, err := doTokenRequest(s.httpClient, req)
	if err != nil {
		return "", err
	}
	s.cache.set(tr.AccessToken, tr.ExpiresIn, now)
	return tr.AccessToken, nil
}

func (s *ServiceAccountTokenSource) assertion(now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss":   s.key.ClientEmail,
		"scope": sheetsScope,
		"aud":   s.key.TokenURI,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if s.key.PrivateKeyID != "" {
		token.Header["kid"] = s.key.PrivateKeyID
	}
	return token.SignedString(s.signingKey)
}

// MetadataTokenSource は Cloud Run のメタデータサーバーから既定サービスアカウントのトークンを取得します
type MetadataTokenSource struct {
	endpoint   string
	httpClient *http.Client
	cache      cachedToken
}

func NewMetadataTokenSource(httpClient *http.Client) *MetadataTokenSource {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &MetadataTokenSource{endpoint: metadataToken, httpClient: httpClient}
}

func (m *MetadataTokenSource) Token(ctx context.Context) (string, error) {
	m.cache.mu.Lock()
	defer m.cache.mu.Unlock()

	now := time.Now()
	if token, ok := m.cache.get(now); ok {
		return token, nil
	}

	u := m.endpoint + "?scopes=" + url.QueryEscape(sheetsScope)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Metadata-Flavor", "Google")

	tr, err := doTokenRequest(m.httpClient, req)
	if err != nil {
		return "", err
	}
	m.cache.set(tr.AccessToken, tr.ExpiresIn, now)
	return tr.AccessToken, nil
}

func doTokenRequest(client *http.Client, req *http.Request) (*tokenResponse, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to request token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned HTTP %d: %s", resp.StatusCode, string(body))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token response has no access_token")
	}
	return &tr, nil
}
