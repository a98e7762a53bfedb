package repourl

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Policy controls which repository URLs the gateway will accept on the git
// bundle endpoints before any subprocess runs.
//
// Empty allow-lists mean "allow all" (subject to deny lists).
type Policy struct {
	AllowedSchemes      []string `yaml:"allowed_schemes"`
	AllowedHosts        []string `yaml:"allowed_hosts"`
	DeniedHosts         []string `yaml:"denied_hosts"`
	DenyPrivateNetworks bool     `yaml:"deny_private_networks"`
	DenySCPSyntax       bool     `yaml:"deny_scp_syntax"`
}

type parsedRepoURL struct {
	Scheme   string
	HostPort string
	Host     string
}

// Validate checks a repository URL against the policy.
func Validate(policy Policy, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("repository URL is empty")
	}

	parsed, err := parseRepoURL(raw, !policy.DenySCPSyntax)
	if err != nil {
		return err
	}

	allowedSchemes := normalizeList(policy.AllowedSchemes)
	if len(allowedSchemes) > 0 && !contains(allowedSchemes, parsed.Scheme) {
		return fmt.Errorf("repository URL scheme %q is not allowed", parsed.Scheme)
	}

	allowedHosts := normalizeList(policy.AllowedHosts)
	deniedHosts := normalizeList(policy.DeniedHosts)

	if parsed.Host != "" {
		for _, pat := range deniedHosts {
			if hostMatchesPattern(pat, parsed.Host) {
				return fmt.Errorf("repository URL host %q is denied", parsed.Host)
			}
		}
		if len(allowedHosts) > 0 {
			allowed := false
			for _, pat := range allowedHosts {
				if hostMatchesPattern(pat, parsed.Host) {
					allowed = true
					break
				}
			}
			if !allowed {
				return fmt.Errorf("repository URL host %q is not in allowed_hosts", parsed.Host)
			}
		}
	}

	if policy.DenyPrivateNetworks && len(allowedHosts) == 0 {
		if err := denyPrivateNetworks(parsed); err != nil {
			return err
		}
	}

	return nil
}

func parseRepoURL(raw string, allowSCP bool) (parsedRepoURL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return parsedRepoURL{}, fmt.Errorf("repository URL is empty")
	}

	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return parsedRepoURL{}, fmt.Errorf("invalid repository URL: %w", err)
		}
		scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
		if scheme == "" {
			return parsedRepoURL{}, fmt.Errorf("repository URL scheme is required")
		}
		hostPort := strings.TrimSpace(u.Host)
		host := strings.TrimSpace(hostnameFromHostPort(hostPort))
		if scheme != "file" && host == "" {
			return parsedRepoURL{}, fmt.Errorf("repository URL host is required for scheme %q", scheme)
		}
		return parsedRepoURL{
			Scheme:   scheme,
			HostPort: hostPort,
			Host:     host,
		}, nil
	}

	if !allowSCP {
		return parsedRepoURL{}, fmt.Errorf("scp-style repository URLs are not allowed")
	}

	// scp-style: [user@]host:org/repo(.git)
	colon := strings.Index(raw, ":")
	if colon <= 0 || colon >= len(raw)-1 {
		return parsedRepoURL{}, fmt.Errorf("invalid repository URL")
	}
	hostPart := strings.TrimSpace(raw[:colon])
	pathPart := strings.TrimSpace(raw[colon+1:])
	if hostPart == "" || pathPart == "" {
		return parsedRepoURL{}, fmt.Errorf("invalid repository URL")
	}
	if strings.ContainsAny(hostPart, "/\\") || strings.ContainsAny(raw, " \t\r\n") {
		return parsedRepoURL{}, fmt.Errorf("invalid repository URL")
	}
	if idx := strings.LastIndex(hostPart, "@"); idx >= 0 {
		hostPart = hostPart[idx+1:]
	}
	host := strings.TrimSpace(hostnameFromHostPort(hostPart))
	if host == "" {
		return parsedRepoURL{}, fmt.Errorf("repository URL host is required")
	}
	return parsedRepoURL{
		Scheme:   "ssh",
		HostPort: hostPart,
		Host:     host,
	}, nil
}

// Name extracts the repository name from a URL, stripping any trailing
// slash and .git suffix. "https://github.com/user/repo.git" yields "repo".
func Name(raw string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(raw), "/")
	if trimmed == "" {
		return ""
	}
	if idx := strings.LastIndexAny(trimmed, "/:"); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	return strings.TrimSuffix(trimmed, ".git")
}

// OwnerRepo extracts the owner and repository segments from a URL.
// Returns empty strings when the URL has fewer than two path segments.
func OwnerRepo(raw string) (owner, repo string) {
	trimmed := strings.TrimSuffix(strings.TrimRight(strings.TrimSpace(raw), "/"), ".git")
	if trimmed == "" {
		return "", ""
	}
	// Normalize scp-style URLs so the owner segment splits on "/".
	if !strings.Contains(trimmed, "://") {
		if colon := strings.Index(trimmed, ":"); colon > 0 {
			trimmed = trimmed[:colon] + "/" + trimmed[colon+1:]
		}
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) < 2 {
		return "", ""
	}
	return parts[len(parts)-2], parts[len(parts)-1]
}

func hostnameFromHostPort(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return strings.TrimSpace(host)
	}
	if strings.HasPrefix(hostport, "[") && strings.HasSuffix(hostport, "]") {
		return strings.TrimSuffix(strings.TrimPrefix(hostport, "["), "]")
	}
	return hostport
}

func normalizeList(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

func contains(list []string, value string) bool {
	value = strings.ToLower(strings.TrimSpace(value))
	for _, v := range list {
		if strings.EqualFold(v, value) {
			return true
		}
	}
	return false
}

func hostMatchesPattern(pattern string, host string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if pattern == "" {
		return false
	}
	if pattern == "*" {
		return true
	}

	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return false
	}

	pattern = hostnameFromHostPort(pattern)
	host = hostnameFromHostPort(host)
	if pattern == "" || host == "" {
		return false
	}

	if strings.HasPrefix(pattern, "*.") {
		suffix := strings.TrimPrefix(pattern, "*")
		if !strings.HasSuffix(host, suffix) {
			return false
		}
		trimmed := strings.TrimPrefix(suffix, ".")
		return host != trimmed
	}

	if strings.HasPrefix(pattern, ".") {
		return strings.HasSuffix(host, pattern)
	}

	return host == pattern
}

func denyPrivateNetworks(parsed parsedRepoURL) error {
	host := strings.TrimSpace(parsed.Host)
	if host == "" {
		return nil
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("repository URL host %q is not allowed (private network)", host)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("repository URL host %q is not allowed (private network)", host)
		}
	}
	return nil
}

func isBlockedIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified() {
		return true
	}
	// Treat non-global-unicast as blocked for cloning.
	return !ip.IsGlobalUnicast()
}
