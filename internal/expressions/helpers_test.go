package expressions

import "github.com/rendis/credvault/pkg/schema"

func sampleSummaries() []schema.CredentialSummary {
	return []schema.CredentialSummary{
		{
			ID:       "STRIPE_KEY",
			Scopes:   []string{"app:billing"},
			Metadata: map[string]string{"provider": "stripe", "service": "payments"},
		},
		{
			ID:          "SENTRY_DSN",
			Description: "error reporting",
			Scopes:      []string{"global"},
			Metadata:    map[string]string{"provider": "sentry"},
		},
		{
			ID:       "AWS_SECRET",
			Scopes:   []string{"app:billing", "app:worker"},
			Metadata: map[string]string{"provider": "aws", "service": "s3"},
		},
	}
}

func ids(summaries []schema.CredentialSummary) []string {
	out := make([]string, len(summaries))
	for i, s := range summaries {
		out[i] = s.ID
	}
	return out
}
