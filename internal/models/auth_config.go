package models

type AuthConfig struct {
	Provider       string              `json:"provider" yaml:"provider"`
	ClerkConfig    *ClerkAuthConfig    `json:"clerk,omitempty" yaml:"clerk,omitempty"`
	DatabaseConfig *DatabaseAuthConfig `json:"database,omitempty" yaml:"database,omitempty"`

	// AdminUserIDs grants the isAdmin capability for ledger adjustments to
	// specific users regardless of token claims.
	AdminUserIDs []string `json:"admin_user_ids,omitempty" yaml:"admin_user_ids,omitempty"`
}

type ClerkAuthConfig struct {
	SecretKey     string `json:"secret_key" yaml:"secret_key"`
	WebhookSecret string `json:"webhook_secret" yaml:"webhook_secret"`
}

type DatabaseAuthConfig struct {
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`
}
