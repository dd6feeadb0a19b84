package wecom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oldoneme/quote-approval-service/internal/errors"
)

func TestParseApprovalEventXML(t *testing.T) {
	body := `<xml>
		<ToUserName><![CDATA[wwcorp0001]]></ToUserName>
		<Event><![CDATA[sys_approval_change]]></Event>
		<ApprovalInfo>
			<SpNo>202608290001</SpNo>
			<SpStatus>2</SpStatus>
			<ThirdNo><![CDATA[quote-42]]></ThirdNo>
		</ApprovalInfo>
	</xml>`

	evt, err := ParseApprovalEvent([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "sys_approval_change", evt.EventType)
	assert.Equal(t, "202608290001", evt.ApprovalNumber)
	assert.Equal(t, "quote-42", evt.CorrelationID)
	assert.Equal(t, 2, evt.RawStatus)
}

func TestParseApprovalEventJSONVariants(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"flat snake_case", `{"event_type":"sys_approval_change","sp_no":"SP1","sp_status":3,"third_no":"quote-7"}`},
		{"nested PascalCase", `{"Event":"sys_approval_change","ApprovalInfo":{"SpNo":"SP1","SpStatus":"3","ThirdNo":"quote-7"}}`},
		{"shouting keys", `{"EVENT":"sys_approval_change","SPNO":"SP1","SPSTATUS":3,"THIRDNO":"quote-7"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt, err := ParseApprovalEvent([]byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, "SP1", evt.ApprovalNumber)
			assert.Equal(t, "quote-7", evt.CorrelationID)
			assert.Equal(t, 3, evt.RawStatus)
		})
	}
}

func TestParseToleratesMissingOptionalFields(t *testing.T) {
	// No event type, no event id, no correlation id: still parseable when
	// an approval number and a status survive.
	evt, err := ParseApprovalEvent([]byte(`{"sp_no":"SP9","status":1}`))
	require.NoError(t, err)
	assert.Equal(t, "SP9", evt.ApprovalNumber)
	assert.Empty(t, evt.EventType)
	assert.Empty(t, evt.EventID)
	assert.Empty(t, evt.CorrelationID)
	assert.Equal(t, 1, evt.RawStatus)
}

func TestParseFailsOnlyOnUnusablePayloads(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"not a document", "plain text, no structure"},
		{"no approval reference", `{"event":"sys_approval_change","sp_status":2}`},
		{"no status", `{"sp_no":"SP1"}`},
		{"non-numeric status", `{"sp_no":"SP1","sp_status":"soon"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseApprovalEvent([]byte(tt.body))
			require.Error(t, err)
			assert.Equal(t, errors.ErrCodeParse, errors.CodeOf(err))
		})
	}
}

func TestLookupIsCaseInsensitiveAndOrdered(t *testing.T) {
	doc := map[string]any{
		"approvalinfo": map[string]any{"spno": "nested"},
		"sp_no":        "flat",
	}
	// Nested path is listed first, so it wins even when both are present.
	m := extract(doc, approvalNumberPaths)
	require.True(t, m.Found)
	assert.Equal(t, "nested", m.Value)
}
