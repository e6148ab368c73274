package ingress

import (
	"context"
	"log/slog"

	authv1 "k8s.io/api/authorization/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// FilterAccessible returns the subset of namespaces where the current identity
// can list ingresses. Uses SelfSubjectAccessReview.
// If the access check itself fails (e.g. RBAC for SSAR is missing), the
// namespace is included to avoid silently dropping accessible namespaces.
func FilterAccessible(ctx context.Context, client kubernetes.Interface, namespaces []string) []string {
	var accessible []string
	for _, ns := range namespaces {
		review := &authv1.SelfSubjectAccessReview{
			Spec: authv1.SelfSubjectAccessReviewSpec{
				ResourceAttributes: &authv1.ResourceAttributes{
					Namespace: ns,
					Verb:      "list",
					Group:     "networking.k8s.io",
					Resource:  "ingresses",
				},
			},
		}
		result, err := client.AuthorizationV1().SelfSubjectAccessReviews().Create(ctx, review, metav1.CreateOptions{})
		if err != nil {
			slog.Warn("access check failed, assuming allowed", "namespace", ns, "err", err)
			accessible = append(accessible, ns)
			continue
		}
		if result.Status.Allowed {
			accessible = append(accessible, ns)
		} else {
			slog.Debug("access denied, skipping namespace", "namespace", ns)
		}
	}
	return accessible
}
