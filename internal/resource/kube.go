package resource

import (
	"context"
	"fmt"
	"log/slog"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8sschema "k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/dynamic"

	"github.com/ppiankov/wafpolicy/internal/schema"
)

// GVR returns the cluster-scoped resource for a policy kind.
func GVR(version schema.Version, plural string) k8sschema.GroupVersionResource {
	return k8sschema.GroupVersionResource{
		Group:    Group,
		Version:  string(version),
		Resource: plural,
	}
}

// CRDInstalled checks if the policy CRDs of version are registered in the cluster.
func CRDInstalled(disc discovery.DiscoveryInterface, version schema.Version) bool {
	_, err := disc.ServerResourcesForGroupVersion(Group + "/" + string(version))
	return err == nil
}

// KubeClient reads policy resources through the dynamic client.
type KubeClient struct {
	dyn dynamic.Interface
}

// NewKubeClient creates a client backed by dyn.
func NewKubeClient(dyn dynamic.Interface) *KubeClient {
	return &KubeClient{dyn: dyn}
}

// Get fetches one cluster-scoped resource.
func (c *KubeClient) Get(ctx context.Context, version schema.Version, plural, name string) (map[string]any, error) {
	obj, err := c.dyn.Resource(GVR(version, plural)).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, &NotFoundError{Version: version, Plural: plural, Name: name}
		}
		return nil, &NotFoundError{Version: version, Plural: plural, Name: name, Err: err}
	}
	return obj.Object, nil
}

// List returns every resource of plural, sorted by name for determinism.
func (c *KubeClient) List(ctx context.Context, version schema.Version, plural string) ([]map[string]any, error) {
	list, err := c.dyn.Resource(GVR(version, plural)).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing %s/%s/%s: %w", Group, version, plural, err)
	}
	out := make([]map[string]any, 0, len(list.Items))
	for i := range list.Items {
		out = append(out, list.Items[i].Object)
	}
	sortByName(out)
	slog.Debug("listed resources", "version", version, "plural", plural, "count", len(out))
	return out, nil
}
