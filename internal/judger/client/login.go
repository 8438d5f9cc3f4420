package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/hengoj/heng/internal/judger/config"
	"github.com/hengoj/heng/internal/protocol"
)

// signRequest fills the x-heng-* headers on an outbound request.
func signRequest(req *http.Request, body []byte, accessKey, secretKey string) {
	req.Header.Set(protocol.HeaderAccessKey, accessKey)
	req.Header.Set(protocol.HeaderNonce, nonce())
	req.Header.Set(protocol.HeaderTimestamp, timestampMS())

	signature := protocol.CalcSignature(req.Method, req.URL.Path, req.URL.RawQuery, req.Header, body, secretKey)
	req.Header.Set(protocol.HeaderSignature, signature)
}

// AcquireToken registers this worker's capability and returns its session
// token.
func AcquireToken(cfg *config.Config) (string, error) {
	tokenURL := fmt.Sprintf("http://%s/v1/judgers/token", cfg.Client.RemoteDomain)

	body, err := json.Marshal(protocol.AcquireTokenRequest{
		MaxTaskCount: cfg.Client.MaxTaskCount,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequest(http.MethodPost, tokenURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	signRequest(req, body, cfg.Client.AccessKey, cfg.Client.SecretKey)

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("acquire token: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return "", fmt.Errorf("acquire token: status=%d body=%s", res.StatusCode, text)
	}

	var output protocol.AcquireTokenOutput
	if err := json.NewDecoder(res.Body).Decode(&output); err != nil {
		return "", fmt.Errorf("acquire token: decode output: %w", err)
	}
	return output.Token, nil
}

// DialWebsocket opens the signed session socket for an acquired token.
func DialWebsocket(cfg *config.Config, token string) (*websocket.Conn, error) {
	wsURL := url.URL{
		Scheme:   "ws",
		Host:     cfg.Client.RemoteDomain,
		Path:     "/v1/judgers/websocket",
		RawQuery: "token=" + url.QueryEscape(token),
	}

	headers := http.Header{}
	headers.Set(protocol.HeaderAccessKey, cfg.Client.AccessKey)
	headers.Set(protocol.HeaderNonce, nonce())
	headers.Set(protocol.HeaderTimestamp, timestampMS())
	signature := protocol.CalcSignature(http.MethodGet, wsURL.Path, wsURL.RawQuery, headers, nil, cfg.Client.SecretKey)
	headers.Set(protocol.HeaderSignature, signature)

	conn, res, err := websocket.DefaultDialer.Dial(wsURL.String(), headers)
	if err != nil {
		if res != nil {
			return nil, fmt.Errorf("dial websocket: status=%d: %w", res.StatusCode, err)
		}
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	return conn, nil
}
