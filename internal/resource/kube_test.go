package resource

import (
	"context"
	"errors"
	"testing"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	k8sschema "k8s.io/apimachinery/pkg/runtime/schema"
	fakediscovery "k8s.io/client-go/discovery/fake"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/ppiankov/wafpolicy/internal/schema"
)

func newDynamicClient(objs ...runtime.Object) *dynamicfake.FakeDynamicClient {
	scheme := runtime.NewScheme()
	return dynamicfake.NewSimpleDynamicClientWithCustomListKinds(scheme,
		map[k8sschema.GroupVersionResource]string{
			GVR(schema.V1Beta1, "policies"):    "PolicyList",
			GVR(schema.V1Beta2, "policies"):    "PolicyList",
			GVR(schema.V1Beta2, "autoupgrade"): "AutoUpgradeList",
		},
		objs...,
	)
}

func makeObject(version schema.Version, kind, name string, spec map[string]interface{}) *unstructured.Unstructured {
	return &unstructured.Unstructured{
		Object: map[string]interface{}{
			"apiVersion": Group + "/" + string(version),
			"kind":       kind,
			"metadata": map[string]interface{}{
				"name": name,
			},
			"spec": spec,
		},
	}
}

func TestKubeClient_Get(t *testing.T) {
	dyn := newDynamicClient(makeObject(schema.V1Beta2, "Policy", "web", map[string]interface{}{
		"default": map[string]interface{}{"mode": "prevent"},
	}))
	c := NewKubeClient(dyn)

	obj, err := c.Get(context.Background(), schema.V1Beta2, "policies", "web")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if schema.ObjectName(obj) != "web" {
		t.Errorf("expected name web, got %q", schema.ObjectName(obj))
	}
	if _, ok := obj["spec"].(map[string]interface{}); !ok {
		t.Error("expected spec object")
	}
}

func TestKubeClient_GetNotFound(t *testing.T) {
	c := NewKubeClient(newDynamicClient())

	_, err := c.Get(context.Background(), schema.V1Beta1, "policies", "missing")
	if !IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatal("expected errors.As to match")
	}
	if nf.Name != "missing" || nf.Version != schema.V1Beta1 {
		t.Errorf("unexpected error fields: %+v", nf)
	}
}

func TestKubeClient_GetOtherFailureIsNotFound(t *testing.T) {
	dyn := newDynamicClient()
	cause := errors.New("forbidden")
	dyn.PrependReactor("get", "policies", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, cause
	})
	c := NewKubeClient(dyn)

	_, err := c.Get(context.Background(), schema.V1Beta2, "policies", "web")
	if !IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Error("expected underlying cause to be preserved")
	}
}

func TestKubeClient_ListSorted(t *testing.T) {
	dyn := newDynamicClient()
	ctx := context.Background()
	gvr := GVR(schema.V1Beta2, "autoupgrade")
	for _, name := range []string{"zeta", "alpha"} {
		obj := makeObject(schema.V1Beta2, "AutoUpgrade", name, map[string]interface{}{"upgradeMode": "manual"})
		if _, err := dyn.Resource(gvr).Create(ctx, obj, metav1.CreateOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	c := NewKubeClient(dyn)

	objs, err := c.List(ctx, schema.V1Beta2, "autoupgrade")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(objs) != 2 {
		t.Fatalf("expected 2 objects, got %d", len(objs))
	}
	if schema.ObjectName(objs[0]) != "alpha" {
		t.Errorf("expected alpha first, got %q", schema.ObjectName(objs[0]))
	}
}

func TestCRDInstalled(t *testing.T) {
	cs := fake.NewClientset()
	fd := cs.Discovery().(*fakediscovery.FakeDiscovery)
	fd.Resources = []*metav1.APIResourceList{
		{
			GroupVersion: "openappsec.io/v1beta2",
			APIResources: []metav1.APIResource{
				{Name: "policies", Kind: "Policy"},
			},
		},
	}

	if !CRDInstalled(cs.Discovery(), schema.V1Beta2) {
		t.Error("expected v1beta2 CRDs installed")
	}
	if CRDInstalled(cs.Discovery(), schema.V1Beta1) {
		t.Error("expected v1beta1 CRDs not installed")
	}
}
