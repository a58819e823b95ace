package llm

import (
	"context"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
)

// AuthStatus is the answer to auth.getStatus.
type AuthStatus struct {
	IsAuthenticated bool   `json:"isAuthenticated"`
	AuthType        string `json:"authType,omitempty"`
	StatusMessage   string `json:"statusMessage"`
}

// credentialVars lists, per llm client, the variables that authenticate it.
var credentialVars = map[string][]string{
	"anthropic": {"ANTHROPIC_API_KEY"},
	"openai":    {"OPENAI_API_KEY"},
	"gemini":    {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	"github":    {"GITHUB_TOKEN", "GH_TOKEN", "COPILOT_API_KEY"},
}

// AuthProber checks for the credentials an agent authenticates with.
type AuthProber struct {
	Getenv func(string) string
	// LoadAWS loads the AWS default credential chain.
	LoadAWS func(ctx context.Context) (aws.Config, error)
	Timeout time.Duration
}

func NewAuthProber() *AuthProber {
	return &AuthProber{
		Getenv: os.Getenv,
		LoadAWS: func(ctx context.Context) (aws.Config, error) {
			return config.LoadDefaultConfig(ctx)
		},
		Timeout: 5 * time.Second,
	}
}

// Probe reports whether credentials for llmClient are available. With no
// client configured any recognized credential counts.
func (p *AuthProber) Probe(ctx context.Context, llmClient string) AuthStatus {
	if llmClient == "bedrock" {
		return p.probeAWS(ctx)
	}
	if vars, ok := credentialVars[llmClient]; ok {
		return p.probeEnv(llmClient, vars)
	}
	for _, name := range []string{"anthropic", "openai", "gemini", "github"} {
		if st := p.probeEnv(name, credentialVars[name]); st.IsAuthenticated {
			return st
		}
	}
	if p.Getenv("AWS_ACCESS_KEY_ID") != "" || p.Getenv("AWS_PROFILE") != "" {
		return p.probeAWS(ctx)
	}
	return AuthStatus{StatusMessage: "no credentials found for the backend agent"}
}

func (p *AuthProber) probeEnv(name string, vars []string) AuthStatus {
	for _, v := range vars {
		if p.Getenv(v) != "" {
			return AuthStatus{IsAuthenticated: true, AuthType: "env", StatusMessage: name + " credentials from " + v}
		}
	}
	return AuthStatus{AuthType: "env", StatusMessage: vars[0] + " environment variable not set"}
}

func (p *AuthProber) probeAWS(ctx context.Context) AuthStatus {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	cfg, err := p.LoadAWS(ctx)
	if err != nil {
		return AuthStatus{AuthType: "aws", StatusMessage: "failed to load AWS config: " + err.Error()}
	}
	if cfg.Credentials == nil {
		return AuthStatus{AuthType: "aws", StatusMessage: "no AWS credentials configured"}
	}
	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return AuthStatus{AuthType: "aws", StatusMessage: "no AWS credentials: " + err.Error()}
	}
	msg := "AWS credentials from " + creds.Source
	if cfg.Region != "" {
		msg += " (" + cfg.Region + ")"
	}
	return AuthStatus{IsAuthenticated: true, AuthType: "aws", StatusMessage: msg}
}
