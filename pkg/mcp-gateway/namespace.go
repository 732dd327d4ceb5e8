package mcpgateway

import (
	"fmt"
	"net/url"
	"strings"
)

// NamespaceStrategy maps upstream resource URIs to the identifiers exposed to
// downstream clients and back. Tool and prompt names are already qualified
// by the orchestrator. Implementations must be deterministic and
// collision-free for a given server/URI pair.
type NamespaceStrategy interface {
	ResourceURI(server, resourceURI string) string
	NativeResourceURI(server, gatewayURI string) (string, bool)
}

// ServerPrefixNamespace prefixes resource URIs with the originating server:
// mcpgateway+<server>/resources::<uri>.
type ServerPrefixNamespace struct{}

func (ServerPrefixNamespace) ResourceURI(server, resourceURI string) string {
	return resourcePrefix(server) + resourceURI
}

func (ServerPrefixNamespace) NativeResourceURI(server, gatewayURI string) (string, bool) {
	prefix := resourcePrefix(server)
	if !strings.HasPrefix(gatewayURI, prefix) {
		return "", false
	}
	return strings.TrimPrefix(gatewayURI, prefix), true
}

func resourcePrefix(server string) string {
	return fmt.Sprintf("mcpgateway+%s/resources::", url.PathEscape(server))
}
