package garmin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"
)

// loginResponse is the SSO login envelope. Status "needs_mfa" carries a
// ticket for ResumeLogin; "success" carries the token pair.
type loginResponse struct {
	Status    string     `json:"status"`
	MFATicket string     `json:"mfa_ticket,omitempty"`
	Token     *wireToken `json:"token,omitempty"`
}

const loginStatusNeedsMFA = "needs_mfa"

// Login performs token-based login for a participant: it loads the stored
// token and refreshes it when expired. Returns ErrTokenInvalid when no usable
// token exists, signalling the caller to collect credentials.
func (c *Client) Login(ctx context.Context, participantID string) error {
	tok, err := c.tokens.Load(ctx, participantID)
	if err != nil {
		return fmt.Errorf("garmin: failed to load token: %w", err)
	}
	if tok == nil || tok.AccessToken == "" {
		slog.Debug("Garmin Login no stored token", "participantID", participantID)
		return ErrTokenInvalid
	}
	if tok.Valid() {
		return nil
	}

	slog.Debug("Garmin Login token expired, refreshing", "participantID", participantID)
	refreshed, err := c.refreshToken(ctx, tok.RefreshToken)
	if err != nil {
		slog.Warn("Garmin token refresh failed", "error", err, "participantID", participantID)
		return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if err := c.tokens.Save(ctx, participantID, refreshed); err != nil {
		return fmt.Errorf("garmin: failed to save refreshed token: %w", err)
	}
	slog.Info("Garmin token refreshed", "participantID", participantID)
	return nil
}

// LoginWithCredentials performs credential-based login and stores the
// resulting token. When the account has MFA enabled it returns
// *MFARequiredError carrying the challenge ticket.
func (c *Client) LoginWithCredentials(ctx context.Context, participantID, email, password string) error {
	form := url.Values{}
	form.Set("username", email)
	form.Set("password", password)

	resp, err := c.postForm(ctx, c.ssoBase+"/signin", form)
	if err != nil {
		return err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		// fall through to decode
	case http.StatusUnauthorized, http.StatusForbidden:
		drainBody(resp)
		slog.Warn("Garmin credential login rejected", "participantID", participantID, "status", resp.StatusCode)
		return ErrAuthFailed
	case http.StatusTooManyRequests:
		drainBody(resp)
		return ErrTooManyMFA
	default:
		detail := drainBody(resp)
		return fmt.Errorf("garmin: login failed with status %d: %s", resp.StatusCode, detail)
	}

	var lr loginResponse
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("garmin: failed to decode login response: %w", err)
	}

	if lr.Status == loginStatusNeedsMFA {
		slog.Info("Garmin login requires MFA", "participantID", participantID)
		return &MFARequiredError{Ticket: lr.MFATicket}
	}
	if lr.Token == nil {
		return fmt.Errorf("garmin: login response missing token")
	}

	if err := c.tokens.Save(ctx, participantID, lr.Token.toOAuth2()); err != nil {
		return fmt.Errorf("garmin: failed to save token: %w", err)
	}
	slog.Info("Garmin credential login succeeded", "participantID", participantID)
	return nil
}

// ResumeLogin completes an MFA challenge with a one-time code and stores the
// resulting token. An invalid code yields another *MFARequiredError with the
// same ticket so the participant can retry; throttling yields ErrTooManyMFA.
func (c *Client) ResumeLogin(ctx context.Context, participantID, ticket, code string) error {
	form := url.Values{}
	form.Set("mfa_ticket", ticket)
	form.Set("mfa_code", code)

	resp, err := c.postForm(ctx, c.ssoBase+"/verifyMFA", form)
	if err != nil {
		return err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		// fall through to decode
	case http.StatusTooManyRequests:
		drainBody(resp)
		slog.Warn("Garmin MFA attempts throttled", "participantID", participantID)
		return ErrTooManyMFA
	case http.StatusUnauthorized, http.StatusForbidden:
		drainBody(resp)
		slog.Warn("Garmin MFA code rejected", "participantID", participantID)
		return &MFARequiredError{Ticket: ticket}
	default:
		detail := drainBody(resp)
		return fmt.Errorf("garmin: MFA verification failed with status %d: %s", resp.StatusCode, detail)
	}

	var wt wireToken
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&wt); err != nil {
		return fmt.Errorf("garmin: failed to decode MFA response: %w", err)
	}

	if err := c.tokens.Save(ctx, participantID, wt.toOAuth2()); err != nil {
		return fmt.Errorf("garmin: failed to save token: %w", err)
	}
	slog.Info("Garmin MFA login succeeded", "participantID", participantID)
	return nil
}

// Logout removes the participant's stored token.
func (c *Client) Logout(ctx context.Context, participantID string) error {
	if err := c.tokens.Delete(ctx, participantID); err != nil {
		return fmt.Errorf("garmin: failed to delete token: %w", err)
	}
	slog.Info("Garmin token removed", "participantID", participantID)
	return nil
}

// refreshToken exchanges a refresh token for a new token pair.
func (c *Client) refreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("no refresh token available")
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	resp, err := c.postForm(ctx, c.ssoBase+"/token", form)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		detail := drainBody(resp)
		return nil, fmt.Errorf("refresh rejected with status %d: %s", resp.StatusCode, detail)
	}

	var wt wireToken
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&wt); err != nil {
		return nil, fmt.Errorf("failed to decode refresh response: %w", err)
	}
	return wt.toOAuth2(), nil
}
