package gateway

import (
	"fmt"
	"regexp"
	"strings"
)

// hashPattern matches CIDv0 (Qm...) and CIDv1 (baf...) content hashes.
var hashPattern = regexp.MustCompile(`^(Qm[1-9A-HJ-NP-Za-km-z]{44}|baf[a-z2-7]{20,})$`)

// ipfsPathPattern pulls the hash out of an HTTP gateway URL embedding /ipfs/<hash>.
var ipfsPathPattern = regexp.MustCompile(`/ipfs/(Qm[1-9A-HJ-NP-Za-km-z]{44}|baf[a-z2-7]{20,})`)

// ExtractHash resolves a source reference to its content hash. Supported
// forms: "ipfs://<hash>", "ipfs://ipfs/<hash>", an HTTP URL embedding
// "/ipfs/<hash>", or a bare hash.
func ExtractHash(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("empty source reference")
	}

	if rest, ok := strings.CutPrefix(ref, "ipfs://"); ok {
		rest = strings.TrimPrefix(rest, "ipfs/")
		rest = strings.SplitN(rest, "?", 2)[0]
		rest = strings.TrimSuffix(rest, "/")
		if hashPattern.MatchString(rest) {
			return rest, nil
		}
		return "", fmt.Errorf("invalid ipfs reference %q", ref)
	}

	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		if m := ipfsPathPattern.FindStringSubmatch(ref); m != nil {
			return m[1], nil
		}
		return "", fmt.Errorf("no content hash in URL %q", ref)
	}

	if hashPattern.MatchString(ref) {
		return ref, nil
	}
	return "", fmt.Errorf("unrecognized source reference %q", ref)
}
