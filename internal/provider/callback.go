package provider

import (
	"encoding/json"
	"strings"
)

// CallbackPayload is the body the generation service posts to a campaign's
// callback URL. The same shape is returned by the status endpoint.
type CallbackPayload struct {
	Code int          `json:"code"`
	Msg  string       `json:"msg"`
	Data CallbackData `json:"data"`
}

type CallbackData struct {
	TaskID         string   `json:"taskId"`
	State          string   `json:"state"`
	ResultURLs     []string `json:"resultUrls,omitempty"`
	ResultJSON     string   `json:"resultJson,omitempty"`
	FailMsg        string   `json:"failMsg,omitempty"`
	FailCode       string   `json:"failCode,omitempty"`
	CostTime       int64    `json:"costTime,omitempty"`
	ConsumeCredits float64  `json:"consumeCredits,omitempty"`
}

// Status maps the payload onto a JobStatus. A success without any result
// URL is reported as a failure.
func (p CallbackPayload) Status() JobStatus {
	d := p.Data
	st := JobStatus{JobID: d.TaskID, State: mapState(d.State)}
	switch st.State {
	case StateSuccess:
		st.ResultURLs = d.resultURLs()
		if len(st.ResultURLs) == 0 {
			st.State = StateFail
			st.Error = "generation finished without a result asset"
		}
	case StateFail:
		st.Error = firstNonEmpty(d.FailMsg, p.Msg, "generation failed")
	default:
		if d.State == "" && p.Code >= 400 {
			st.State = StateFail
			st.Error = firstNonEmpty(d.FailMsg, p.Msg, "generation failed")
		}
	}
	return st
}

func (d CallbackData) resultURLs() []string {
	urls := nonEmpty(d.ResultURLs)
	if len(urls) > 0 || d.ResultJSON == "" {
		return urls
	}
	var parsed struct {
		ResultURLs []string `json:"resultUrls"`
	}
	if err := json.Unmarshal([]byte(d.ResultJSON), &parsed); err != nil {
		return nil
	}
	return nonEmpty(parsed.ResultURLs)
}

func mapState(s string) JobState {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success", "succeeded", "completed":
		return StateSuccess
	case "fail", "failed", "error":
		return StateFail
	case "generating", "running", "processing":
		return StateRunning
	default:
		return StatePending
	}
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
