package ir

// Config represents the top-level configuration.
type Config struct {
	CacheDir               string        `pkl:"cacheDir" yaml:"cacheDir"`
	Platform               string        `pkl:"platform" yaml:"platform"`
	Origin                 *OriginConfig `pkl:"origin" yaml:"origin"`
	MaxConcurrentLoads     int           `pkl:"maxConcurrentLoads" yaml:"maxConcurrentLoads"`
	MaxConcurrentDownloads int           `pkl:"maxConcurrentDownloads" yaml:"maxConcurrentDownloads"`
	Retry                  *RetryConfig  `pkl:"retry" yaml:"retry"`
	RequestTimeout         string        `pkl:"requestTimeout" yaml:"requestTimeout"`
	VerifyIntegrity        bool          `pkl:"verifyIntegrity" yaml:"verifyIntegrity"`
	PoolCapacity           int           `pkl:"poolCapacity" yaml:"poolCapacity"`
	NetImageCacheSize      int           `pkl:"netImageCacheSize" yaml:"netImageCacheSize"`
	Lock                   *LockConfig   `pkl:"lock" yaml:"lock"`
	LogLevel               string        `pkl:"logLevel" yaml:"logLevel"`
	LogFormat              string        `pkl:"logFormat" yaml:"logFormat"`
}

// OriginConfig describes where manifests and packages are fetched from.
type OriginConfig struct {
	Type    string `pkl:"type" yaml:"type"` // "http", "s3", "file"
	URL     string `pkl:"url" yaml:"url"`
	Bucket  string `pkl:"bucket" yaml:"bucket"`
	Prefix  string `pkl:"prefix" yaml:"prefix"`
	Region  string `pkl:"region" yaml:"region"`
	Profile string `pkl:"profile" yaml:"profile"`
}

type RetryConfig struct {
	MaxRetries int    `pkl:"maxRetries" yaml:"maxRetries"`
	BaseDelay  string `pkl:"baseDelay" yaml:"baseDelay"`
	MaxDelay   string `pkl:"maxDelay" yaml:"maxDelay"`
}

// LockConfig enables a shared DynamoDB reconcile lock in addition to the local file lock.
type LockConfig struct {
	DynamoDBTable string `pkl:"dynamodbTable" yaml:"dynamodbTable"`
	Region        string `pkl:"region" yaml:"region"`
	Profile       string `pkl:"profile" yaml:"profile"`
}
