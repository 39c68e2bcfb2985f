package version

// Version is the current version of voiceprobe
const Version = "0.3.1"

// UserAgent returns the User-Agent string for HTTP and SIP requests
func UserAgent() string {
	return "voiceprobe/" + Version
}

// ServerHeader returns the Server header value for API responses
func ServerHeader() string {
	return "voiceprobe/" + Version
}
