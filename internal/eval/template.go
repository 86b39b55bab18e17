package eval

import "fmt"

// StarterConfig returns a self-contained pantry.pkl for a new project.
func StarterConfig(platform, originURL string) string {
	return fmt.Sprintf(`// Pantry configuration
module pantry

/// Local cache root. Relative paths resolve against this file.
cacheDir: String = %q

/// Platform name; selects <platform>/<platform> as the main package.
platform: String = %q

origin: Origin = new {
  url = %q
}

maxConcurrentLoads: Int = %d
maxConcurrentDownloads: Int = %d

retry: Retry = new {}

requestTimeout: String = %q

/// Re-hash up-to-date packages against the cache index on every reconcile.
verifyIntegrity: Boolean = false

poolCapacity: Int = %d
netImageCacheSize: Int = %d

/// Shared reconcile lock, e.g. new Lock { dynamodbTable = "pantry-locks" }
lock: Lock? = null

logLevel: String = %q
logFormat: String = %q

class Origin {
  /// "http", "s3" or "file"
  type: String = "http"
  url: String = ""
  bucket: String = ""
  prefix: String = ""
  region: String = ""
  profile: String = ""
}

class Retry {
  maxRetries: Int = %d
  baseDelay: String = %q
  maxDelay: String = %q
}

class Lock {
  dynamodbTable: String
  region: String = ""
  profile: String = ""
}
`,
		DefaultCacheDir, platform, originURL,
		DefaultMaxConcurrentLoads, DefaultMaxConcurrentDownloads,
		DefaultRequestTimeout,
		DefaultPoolCapacity, DefaultNetImageCacheSize,
		DefaultLogLevel, DefaultLogFormat,
		DefaultMaxRetries, DefaultBaseDelay, DefaultMaxDelay,
	)
}
