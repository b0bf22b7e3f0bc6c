// Copyright CredBroker Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package downstream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
	kubefake "k8s.io/client-go/kubernetes/fake"
	"k8s.io/client-go/rest"
	k8stesting "k8s.io/client-go/testing"

	"github.com/devsecops-labs/credbroker/internal/broker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func serviceAccountToken(value string) broker.IssuedCredential {
	return broker.IssuedCredential{
		Kind:      broker.CredentialServiceAccountToken,
		Value:     value,
		IssuedFor: "my-role/sample",
	}
}

func pod(namespace, name string) *corev1.Pod {
	return &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Namespace: namespace, Name: name}}
}

func TestClusterUseListsPods(t *testing.T) {
	clientset := kubefake.NewSimpleClientset(pod("sample", "web-1"), pod("sample", "web-2"), pod("other", "db-1"))

	var gotCfg *rest.Config
	client := NewClusterClient(ClusterConfig{Host: "https://cluster.example:6443"}, testLogger())
	client.newForConfig = func(rc *rest.Config) (kubernetes.Interface, error) {
		gotCfg = rc
		return clientset, nil
	}

	listing, err := client.Use(context.Background(), serviceAccountToken("tok"), "sample")
	require.NoError(t, err)
	require.Equal(t, "sample", listing.Target)
	require.ElementsMatch(t, []string{"web-1", "web-2"}, listing.Resources)

	// The issued token authenticates the call as a bearer token.
	require.Equal(t, "tok", gotCfg.BearerToken)
	require.Equal(t, "https://cluster.example:6443", gotCfg.Host)
}

func TestClusterUseRejectedCredential(t *testing.T) {
	clientset := kubefake.NewSimpleClientset()
	clientset.PrependReactor("list", "pods", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewUnauthorized("credentials expired")
	})

	client := NewClusterClient(ClusterConfig{Host: "https://cluster.example:6443"}, testLogger())
	client.newForConfig = func(*rest.Config) (kubernetes.Interface, error) { return clientset, nil }

	_, err := client.Use(context.Background(), serviceAccountToken("expired"), "sample")
	be, ok := broker.AsError(err)
	require.True(t, ok)
	require.Equal(t, broker.CodeDownstreamFailed, be.Code)
	require.Equal(t, 401, be.Status)
}

func TestClusterUseUnreachable(t *testing.T) {
	clientset := kubefake.NewSimpleClientset()
	clientset.PrependReactor("list", "pods", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("dial tcp: connection refused")
	})

	client := NewClusterClient(ClusterConfig{Host: "https://cluster.example:6443"}, testLogger())
	client.newForConfig = func(*rest.Config) (kubernetes.Interface, error) { return clientset, nil }

	_, err := client.Use(context.Background(), serviceAccountToken("tok"), "sample")
	be, ok := broker.AsError(err)
	require.True(t, ok)
	require.Equal(t, broker.CodeTransportError, be.Code)
	require.Equal(t, broker.StageDownstream, be.Stage)
}
