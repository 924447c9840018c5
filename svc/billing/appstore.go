package billing

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AppStoreConfig holds configuration for the App Store gateway.
//
// RootCertsFile points at a PEM bundle of Apple root certificates. When set,
// the signed payloads embedded in server notifications are cryptographically
// verified against it (x5c chain, ES256); when empty, payloads are decoded
// without verification.
type AppStoreConfig struct {
	SharedSecret   string        `env:"APPSTORE_SHARED_SECRET,required"`
	BundleID       string        `env:"APPSTORE_BUNDLE_ID,required"`
	VerifyURL      string        `env:"APPSTORE_VERIFY_URL" envDefault:"https://buy.itunes.apple.com/verifyReceipt"`
	SandboxURL     string        `env:"APPSTORE_SANDBOX_VERIFY_URL" envDefault:"https://sandbox.itunes.apple.com/verifyReceipt"`
	RootCertsFile  string        `env:"APPSTORE_ROOT_CERTS_FILE"`
	RequestTimeout time.Duration `env:"APPSTORE_REQUEST_TIMEOUT" envDefault:"15s"`
}

// AppStoreClient implements AppStoreGateway against the verifyReceipt
// endpoint and the App Store server notification format (v2).
type AppStoreClient struct {
	cfg   AppStoreConfig
	http  *http.Client
	roots *x509.CertPool
}

// NewAppStoreClient creates an app-store gateway. A configured root bundle
// turns on signature verification of notification payloads.
func NewAppStoreClient(cfg AppStoreConfig) (*AppStoreClient, error) {
	c := &AppStoreClient{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.RequestTimeout},
	}
	if cfg.RootCertsFile != "" {
		pem, err := os.ReadFile(cfg.RootCertsFile)
		if err != nil {
			return nil, fmt.Errorf("read app store root certs: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("app store root certs file contains no usable certificates")
		}
		c.roots = pool
	}
	return c, nil
}

// AppStoreNotification is a decoded server notification: the outer signed
// payload plus the two embedded signed payloads (transaction, renewal).
type AppStoreNotification struct {
	NotificationType string
	Subtype          string
	UUID             string
	SignedAt         time.Time
	BundleID         string

	OriginalTransactionID string
	AppAccountToken       string
	ExpiresAt             *time.Time
	AutoRenewing          bool
}

// Kind maps the notification type to a signal kind via a fixed table.
// Unrecognized types fall back to the auto-renew flag: a user still set to
// renew is treated as renewed, one who switched it off as canceled.
func (n *AppStoreNotification) Kind() SignalKind {
	switch n.NotificationType {
	case "SUBSCRIBED", "INITIAL_BUY":
		return KindActivated
	case "DID_RENEW", "DID_RECOVER", "INTERACTIVE_RENEWAL":
		return KindRenewed
	case "DID_FAIL_TO_RENEW":
		return KindPaymentFailed
	case "CANCEL", "REVOKE", "REFUND", "EXPIRED":
		return KindCanceled
	}
	if n.AutoRenewing {
		return KindRenewed
	}
	return KindCanceled
}

// notificationBody is the raw webhook body.
type notificationBody struct {
	SignedPayload string `json:"signedPayload"`
}

// outerPayload is the decoded outer JWS.
type outerPayload struct {
	NotificationType string `json:"notificationType"`
	Subtype          string `json:"subtype"`
	NotificationUUID string `json:"notificationUUID"`
	SignedDate       int64  `json:"signedDate"` // ms epoch
	Data             struct {
		BundleID              string `json:"bundleId"`
		SignedTransactionInfo string `json:"signedTransactionInfo"`
		SignedRenewalInfo     string `json:"signedRenewalInfo"`
	} `json:"data"`
}

type transactionInfo struct {
	OriginalTransactionID string `json:"originalTransactionId"`
	AppAccountToken       string `json:"appAccountToken"`
	ExpiresDate           int64  `json:"expiresDate"` // ms epoch
}

type renewalInfo struct {
	AutoRenewStatus float64 `json:"autoRenewStatus"`
}

// ParseNotification decodes a server notification body. Any decode failure
// is a malformed event; signature verification failures (when roots are
// configured) surface as ErrSignatureVerification.
func (c *AppStoreClient) ParseNotification(payload []byte) (*AppStoreNotification, error) {
	var body notificationBody
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, errors.Join(ErrMalformedEvent, err)
	}
	if body.SignedPayload == "" {
		return nil, fmt.Errorf("%w: empty signedPayload", ErrMalformedEvent)
	}

	var outer outerPayload
	if err := c.decodePayload(body.SignedPayload, &outer); err != nil {
		return nil, err
	}
	if outer.NotificationType == "" {
		return nil, fmt.Errorf("%w: notification has no type", ErrMalformedEvent)
	}
	if c.cfg.BundleID != "" && outer.Data.BundleID != "" && outer.Data.BundleID != c.cfg.BundleID {
		return nil, fmt.Errorf("%w: notification is for bundle %q", ErrMalformedEvent, outer.Data.BundleID)
	}

	n := &AppStoreNotification{
		NotificationType: outer.NotificationType,
		Subtype:          outer.Subtype,
		UUID:             outer.NotificationUUID,
		SignedAt:         time.UnixMilli(outer.SignedDate).UTC(),
		BundleID:         outer.Data.BundleID,
	}

	if outer.Data.SignedTransactionInfo != "" {
		var txn transactionInfo
		if err := c.decodePayload(outer.Data.SignedTransactionInfo, &txn); err != nil {
			return nil, err
		}
		n.OriginalTransactionID = txn.OriginalTransactionID
		n.AppAccountToken = txn.AppAccountToken
		if txn.ExpiresDate > 0 {
			exp := time.UnixMilli(txn.ExpiresDate).UTC()
			n.ExpiresAt = &exp
		}
	}
	if outer.Data.SignedRenewalInfo != "" {
		var renewal renewalInfo
		if err := c.decodePayload(outer.Data.SignedRenewalInfo, &renewal); err != nil {
			return nil, err
		}
		n.AutoRenewing = renewal.AutoRenewStatus == 1
	}

	if n.OriginalTransactionID == "" {
		return nil, fmt.Errorf("%w: notification has no original transaction id", ErrMalformedEvent)
	}
	return n, nil
}

// decodePayload decodes one JWS into out. With a configured root pool the
// x5c certificate chain is verified and the signature checked; otherwise the
// claims are extracted without verification.
func (c *AppStoreClient) decodePayload(signed string, out any) error {
	claims := jwt.MapClaims{}
	if c.roots == nil {
		if _, _, err := jwt.NewParser().ParseUnverified(signed, claims); err != nil {
			return errors.Join(ErrMalformedEvent, err)
		}
	} else {
		parser := jwt.NewParser(
			jwt.WithValidMethods([]string{"ES256"}),
			jwt.WithoutClaimsValidation(),
		)
		if _, err := parser.ParseWithClaims(signed, claims, c.x5cKeyfunc); err != nil {
			return errors.Join(ErrSignatureVerification, err)
		}
	}

	// Round-trip through JSON to land the loosely-typed claims in the
	// strongly-typed target.
	buf, err := json.Marshal(claims)
	if err != nil {
		return errors.Join(ErrMalformedEvent, err)
	}
	if err := json.Unmarshal(buf, out); err != nil {
		return errors.Join(ErrMalformedEvent, err)
	}
	return nil
}

// x5cKeyfunc verifies the certificate chain embedded in the JWS header
// against the configured Apple roots and returns the leaf's public key.
func (c *AppStoreClient) x5cKeyfunc(token *jwt.Token) (any, error) {
	raw, ok := token.Header["x5c"].([]any)
	if !ok || len(raw) == 0 {
		return nil, errors.New("signed payload has no x5c certificate chain")
	}

	certs := make([]*x509.Certificate, 0, len(raw))
	for _, entry := range raw {
		s, ok := entry.(string)
		if !ok {
			return nil, errors.New("x5c chain entry is not a string")
		}
		der, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decode x5c certificate: %w", err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("parse x5c certificate: %w", err)
		}
		certs = append(certs, cert)
	}

	intermediates := x509.NewCertPool()
	for _, cert := range certs[1:] {
		intermediates.AddCert(cert)
	}
	if _, err := certs[0].Verify(x509.VerifyOptions{
		Roots:         c.roots,
		Intermediates: intermediates,
	}); err != nil {
		return nil, fmt.Errorf("verify x5c chain: %w", err)
	}
	return certs[0].PublicKey, nil
}

// verifyReceipt endpoint types. Numeric fields arrive as strings.
type verifyReceiptRequest struct {
	ReceiptData            string `json:"receipt-data"`
	Password               string `json:"password"`
	ExcludeOldTransactions bool   `json:"exclude-old-transactions"`
}

type verifyReceiptResponse struct {
	Status            int    `json:"status"`
	LatestReceipt     string `json:"latest_receipt"`
	LatestReceiptInfo []struct {
		OriginalTransactionID string `json:"original_transaction_id"`
		ExpiresDateMS         string `json:"expires_date_ms"`
		PurchaseDateMS        string `json:"purchase_date_ms"`
	} `json:"latest_receipt_info"`
	PendingRenewalInfo []struct {
		AutoRenewStatus string `json:"auto_renew_status"`
	} `json:"pending_renewal_info"`
}

// statusSandboxReceipt means a sandbox receipt was sent to production;
// Apple's documented handling is to retry against the sandbox endpoint.
const statusSandboxReceipt = 21007

// VerifyReceipt submits a raw receipt to the verifyReceipt endpoint and
// returns the latest subscription state it attests to.
func (c *AppStoreClient) VerifyReceipt(ctx context.Context, receipt string) (*ReceiptVerification, error) {
	resp, err := c.postReceipt(ctx, c.cfg.VerifyURL, receipt)
	if err != nil {
		return nil, err
	}
	if resp.Status == statusSandboxReceipt {
		resp, err = c.postReceipt(ctx, c.cfg.SandboxURL, receipt)
		if err != nil {
			return nil, err
		}
	}
	if resp.Status != 0 {
		return nil, fmt.Errorf("%w: status %d", ErrReceiptRejected, resp.Status)
	}
	if len(resp.LatestReceiptInfo) == 0 {
		return nil, fmt.Errorf("%w: no transactions in receipt", ErrMalformedEvent)
	}

	// The last entry is the most recent transaction.
	latest := resp.LatestReceiptInfo[len(resp.LatestReceiptInfo)-1]
	if latest.OriginalTransactionID == "" {
		return nil, fmt.Errorf("%w: transaction has no original transaction id", ErrMalformedEvent)
	}

	v := &ReceiptVerification{
		OriginalTransactionID: latest.OriginalTransactionID,
		LatestReceipt:         resp.LatestReceipt,
	}
	if ms, err := strconv.ParseInt(latest.ExpiresDateMS, 10, 64); err == nil {
		v.ExpiresAt = time.UnixMilli(ms).UTC()
	}
	if ms, err := strconv.ParseInt(latest.PurchaseDateMS, 10, 64); err == nil {
		v.PurchasedAt = time.UnixMilli(ms).UTC()
	}
	if len(resp.PendingRenewalInfo) > 0 {
		v.AutoRenewing = resp.PendingRenewalInfo[0].AutoRenewStatus == "1"
	}
	return v, nil
}

func (c *AppStoreClient) postReceipt(ctx context.Context, url, receipt string) (*verifyReceiptResponse, error) {
	body, err := json.Marshal(verifyReceiptRequest{
		ReceiptData:            receipt,
		Password:               c.cfg.SharedSecret,
		ExcludeOldTransactions: true,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Join(ErrProviderQuery, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: verifyReceipt returned HTTP %d", ErrProviderQuery, res.StatusCode)
	}

	var out verifyReceiptResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, errors.Join(ErrProviderQuery, err)
	}
	return &out, nil
}
