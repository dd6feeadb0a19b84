package wecom

import (
	"context"
	"fmt"
	"net/url"

	"github.com/oldoneme/quote-approval-service/internal/errors"
	"github.com/oldoneme/quote-approval-service/internal/httpclient"
)

// Platform error codes that mean the access token is stale.
const (
	errCodeTokenInvalid = 40014
	errCodeTokenExpired = 42001
)

// Client calls the platform's approval API. Every method fetches a token
// from the injected provider and retries exactly once on a stale-token
// error code after invalidating the cache.
type Client struct {
	http       *httpclient.Client
	tokens     TokenProvider
	agentID    string
	templateID string
}

// NewClient creates a platform API client.
func NewClient(http *httpclient.Client, tokens TokenProvider, agentID, templateID string) *Client {
	return &Client{http: http, tokens: tokens, agentID: agentID, templateID: templateID}
}

// SubmitRequest carries what the platform needs to open an approval flow.
type SubmitRequest struct {
	CorrelationID string // our reference, echoed back as ThirdNo
	OwnerID       string // platform user id of the submitter
	Summary       string
}

// ApprovalDetail is the platform's current view of one approval flow.
type ApprovalDetail struct {
	ApprovalNumber string
	CorrelationID  string
	RawStatus      int
}

type platformResponse struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
	SpNo    string `json:"sp_no"`
	Info    *struct {
		SpNo     string `json:"sp_no"`
		ThirdNo  string `json:"third_no"`
		SpStatus int    `json:"sp_status"`
	} `json:"info"`
}

// SubmitApproval opens an approval flow and returns the platform's approval
// number.
func (c *Client) SubmitApproval(ctx context.Context, req SubmitRequest) (string, error) {
	body := map[string]any{
		"creator_userid": req.OwnerID,
		"template_id":    c.templateID,
		"agentid":        c.agentID,
		"third_no":       req.CorrelationID,
		"summary":        req.Summary,
	}

	resp, err := c.post(ctx, "/cgi-bin/oa/applyevent", body)
	if err != nil {
		return "", err
	}
	if resp.SpNo == "" {
		return "", errors.New(errors.ErrCodeUnavailable, "platform accepted submission but returned no approval number")
	}
	return resp.SpNo, nil
}

// Approve records an approval decision on the platform's flow.
func (c *Client) Approve(ctx context.Context, approvalNumber, actorID, comments string) error {
	_, err := c.post(ctx, "/cgi-bin/oa/approve", map[string]any{
		"sp_no":   approvalNumber,
		"userid":  actorID,
		"action":  "approve",
		"remarks": comments,
	})
	return err
}

// Reject records a rejection on the platform's flow.
func (c *Client) Reject(ctx context.Context, approvalNumber, actorID, reason string) error {
	_, err := c.post(ctx, "/cgi-bin/oa/approve", map[string]any{
		"sp_no":   approvalNumber,
		"userid":  actorID,
		"action":  "refuse",
		"remarks": reason,
	})
	return err
}

// GetApprovalDetail fetches the platform's current state for one flow. Used
// by the unknown-status fallback and the compensation reconciler.
func (c *Client) GetApprovalDetail(ctx context.Context, approvalNumber string) (*ApprovalDetail, error) {
	resp, err := c.post(ctx, "/cgi-bin/oa/getapprovaldetail", map[string]any{
		"sp_no": approvalNumber,
	})
	if err != nil {
		return nil, err
	}
	if resp.Info == nil {
		return nil, errors.Newf(errors.ErrCodeUnavailable,
			"platform returned no detail for approval %s", approvalNumber)
	}
	return &ApprovalDetail{
		ApprovalNumber: resp.Info.SpNo,
		CorrelationID:  resp.Info.ThirdNo,
		RawStatus:      resp.Info.SpStatus,
	}, nil
}

// post wraps the token dance shared by every call.
func (c *Client) post(ctx context.Context, path string, body any) (*platformResponse, error) {
	resp, err := c.postOnce(ctx, path, body)
	if err != nil {
		return nil, err
	}
	if resp.ErrCode == errCodeTokenInvalid || resp.ErrCode == errCodeTokenExpired {
		c.tokens.Invalidate()
		resp, err = c.postOnce(ctx, path, body)
		if err != nil {
			return nil, err
		}
	}
	if resp.ErrCode != 0 {
		return nil, errors.Newf(errors.ErrCodeUnavailable,
			"platform call %s failed: %d %s", path, resp.ErrCode, resp.ErrMsg)
	}
	return resp, nil
}

func (c *Client) postOnce(ctx context.Context, path string, body any) (*platformResponse, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	var resp platformResponse
	full := fmt.Sprintf("%s?access_token=%s", path, url.QueryEscape(token))
	if err := c.http.Post(ctx, full, body, &resp); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeUnavailable, "platform call failed")
	}
	return &resp, nil
}
