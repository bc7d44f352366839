package uploader

import "strings"

// IsPresignedURL reports whether a URL carries the query components of a
// signed URL: an access key id, an expiry, and a signature. Both the
// legacy query-auth family and the v4 family count. This is a plain
// substring check; the signature is never verified.
func IsPresignedURL(rawURL string) bool {
	if strings.Contains(rawURL, "AWSAccessKeyId=") &&
		strings.Contains(rawURL, "Expires=") &&
		strings.Contains(rawURL, "Signature=") {
		return true
	}
	return strings.Contains(rawURL, "X-Amz-Credential=") &&
		strings.Contains(rawURL, "X-Amz-Expires=") &&
		strings.Contains(rawURL, "X-Amz-Signature=")
}
