package compositor

import (
	"net/url"
	"regexp"
	"strings"
)

const (
	// ProxyPath is the same-origin server proxy endpoint.
	ProxyPath = "/api/proxy"
	// LocalProxyPath is the local development proxy endpoint.
	LocalProxyPath = "/proxy"
)

// contentHosts are the document hosts whose share links need rewriting.
var contentHosts = []string{"drive.google.com", "docs.google.com"}

var (
	dataImagePattern = regexp.MustCompile(`(?i)^data:image/`)
	proxiedPattern   = regexp.MustCompile(`(?i)^(/?proxy|/api/proxy)\?url=`)
	absolutePattern  = regexp.MustCompile(`(?i)^(https?:|blob:)`)
	extensionPattern = regexp.MustCompile(`(?i)\.[a-z0-9]{2,4}(\?.*)?$`)
)

// ResolveImageSource maps a raw cell value to the ordered candidates to
// try when loading an image. An empty result means the value is unresolved
// and a placeholder is shown. The first matching rule wins:
//
//  1. data:image/ URIs are used as-is;
//  2. values already routed through a proxy are used as-is;
//  3. content-host share links with a file id expand to the same-origin
//     proxy, the local proxy and the direct download URL, in that order;
//  4. absolute http(s) and blob URLs are used as-is;
//  5. paths ending in a 2-4 character extension are used as-is.
func ResolveImageSource(raw string) []string {
	src := strings.TrimSpace(raw)
	if src == "" {
		return nil
	}
	if dataImagePattern.MatchString(src) {
		return []string{src}
	}
	if proxiedPattern.MatchString(src) {
		return []string{src}
	}
	if candidates := contentHostCandidates(src); len(candidates) > 0 {
		return candidates
	}
	if absolutePattern.MatchString(src) {
		return []string{src}
	}
	if extensionPattern.MatchString(src) {
		return []string{src}
	}
	return nil
}

func contentHostCandidates(src string) []string {
	u, err := url.Parse(src)
	if err != nil || u.Host == "" {
		return nil
	}
	if scheme := strings.ToLower(u.Scheme); scheme != "http" && scheme != "https" {
		return nil
	}
	if !IsContentHost(u.Hostname()) {
		return nil
	}
	id := ContentHostFileID(u)
	if id == "" {
		return nil
	}
	direct := DirectDownloadURL(id)
	return []string{
		ProxiedURL(ProxyPath, direct),
		ProxiedURL(LocalProxyPath, direct),
		direct,
	}
}

// IsContentHost reports whether host is a known document host or one of
// its subdomains.
func IsContentHost(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, h := range contentHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

// ContentHostFileID extracts the file id of a share link, either from a
// /file/d/<id>/ path or from an id query parameter.
func ContentHostFileID(u *url.URL) string {
	if u == nil {
		return ""
	}
	if strings.Contains(u.Path, "/file/d/") {
		parts := strings.Split(u.Path, "/")
		for i, p := range parts {
			if p == "d" && i+1 < len(parts) && parts[i+1] != "" {
				return parts[i+1]
			}
		}
	}
	return u.Query().Get("id")
}

// DirectDownloadURL returns the canonical download URL of a file id.
func DirectDownloadURL(id string) string {
	return "https://drive.google.com/uc?export=download&id=" + url.QueryEscape(id)
}

// ProxiedURL routes target through the proxy endpoint at path.
func ProxiedURL(path, target string) string {
	return path + "?url=" + url.QueryEscape(target)
}

// isProxied reports whether src is a proxy-routed path.
func isProxied(src string) bool {
	return proxiedPattern.MatchString(src)
}
