package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/crucible-sh/crucible/pkg/common/types"
	"github.com/crucible-sh/crucible/pkg/config"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Namespace = "crucible-test"
	cfg.PodStartupDeadline = 2 * time.Second
	return cfg
}

func TestCreateBuildsLabeledPod(t *testing.T) {
	ctx := context.Background()
	clientset := fake.NewSimpleClientset()
	m := NewManager(clientset, testConfig(), "-----BEGIN PUBLIC KEY-----", nil)

	handle, err := m.Create(ctx, "py", types.ProvenancePool)
	assert.NoError(t, err)
	assert.Equal(t, "crucible-test", handle.Namespace)
	assert.Equal(t, "py", handle.Lang)
	assert.Empty(t, handle.Endpoint)

	pod, err := clientset.CoreV1().Pods("crucible-test").Get(ctx, handle.Name, metav1.GetOptions{})
	if err != nil {
		t.Fatalf("pod not created: %v", err)
	}
	assert.Equal(t, ManagedByLabelValue, pod.Labels[ManagedByLabelKey])
	assert.Equal(t, "py", pod.Labels[LangLabelKey])
	assert.Equal(t, corev1.RestartPolicyNever, pod.Spec.RestartPolicy)

	// Agent binary install + language container sharing the volume.
	assert.Len(t, pod.Spec.InitContainers, 1)
	assert.Len(t, pod.Spec.Containers, 1)
	main := pod.Spec.Containers[0]
	assert.Equal(t, []string{agentBinPath}, main.Command)
	assert.NotNil(t, main.ReadinessProbe)
	assert.Equal(t, "/ready", main.ReadinessProbe.HTTPGet.Path)
	assert.False(t, *main.SecurityContext.AllowPrivilegeEscalation)

	var envNames []string
	for _, e := range main.Env {
		envNames = append(envNames, e.Name)
	}
	assert.Contains(t, envNames, PublicKeyEnvVar)
	assert.Contains(t, envNames, "BOXD_LANG")
	assert.Contains(t, envNames, "BOXD_MAX_PIDS")
	assert.Contains(t, envNames, "BOXD_MAX_OPEN_FILES")
}

func TestCreateRejectsUnknownLang(t *testing.T) {
	m := NewManager(fake.NewSimpleClientset(), testConfig(), "", nil)
	_, err := m.Create(context.Background(), "cobol", types.ProvenancePool)
	assert.Error(t, err)
}

func TestAwaitReadyPollsUntilReady(t *testing.T) {
	ctx := context.Background()
	clientset := fake.NewSimpleClientset()
	m := NewManager(clientset, testConfig(), "", nil)

	handle, err := m.Create(ctx, "py", types.ProvenancePool)
	assert.NoError(t, err)

	// Flip the pod to ready shortly after the wait starts.
	go func() {
		time.Sleep(100 * time.Millisecond)
		pod, _ := clientset.CoreV1().Pods(handle.Namespace).Get(ctx, handle.Name, metav1.GetOptions{})
		pod.Status.Phase = corev1.PodRunning
		pod.Status.PodIP = "10.0.0.7"
		pod.Status.Conditions = []corev1.PodCondition{{Type: corev1.PodReady, Status: corev1.ConditionTrue}}
		_, _ = clientset.CoreV1().Pods(handle.Namespace).UpdateStatus(ctx, pod, metav1.UpdateOptions{})
	}()

	assert.NoError(t, m.AwaitReady(ctx, handle))
	assert.Contains(t, handle.Endpoint, "10.0.0.7")
}

func TestAwaitReadyTimesOut(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	cfg := testConfig()
	cfg.PodStartupDeadline = 300 * time.Millisecond
	m := NewManager(clientset, cfg, "", nil)

	handle, err := m.Create(context.Background(), "py", types.ProvenancePool)
	assert.NoError(t, err)
	assert.Error(t, m.AwaitReady(context.Background(), handle))
}

func TestDestroyIdempotent(t *testing.T) {
	ctx := context.Background()
	clientset := fake.NewSimpleClientset()
	m := NewManager(clientset, testConfig(), "", nil)

	handle, err := m.Create(ctx, "py", types.ProvenancePool)
	assert.NoError(t, err)

	assert.NoError(t, m.Destroy(ctx, handle))
	assert.NoError(t, m.Destroy(ctx, handle))
}

func TestReadyTracker(t *testing.T) {
	tr := NewReadyTracker()

	t.Run("wait then notify", func(t *testing.T) {
		done := make(chan string, 1)
		go func() {
			ip, err := tr.Wait(context.Background(), "ns/pod-a")
			assert.NoError(t, err)
			done <- ip
		}()
		time.Sleep(20 * time.Millisecond)
		tr.notify("ns/pod-a", "10.0.0.1")
		assert.Equal(t, "10.0.0.1", <-done)
	})

	t.Run("notify then wait", func(t *testing.T) {
		tr.notify("ns/pod-b", "10.0.0.2")
		ip, err := tr.Wait(context.Background(), "ns/pod-b")
		assert.NoError(t, err)
		assert.Equal(t, "10.0.0.2", ip)
	})

	t.Run("wait cancelled", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := tr.Wait(ctx, "ns/never")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestReaperDeletesOnlyUntrackedOldPods(t *testing.T) {
	ctx := context.Background()
	old := metav1.NewTime(time.Now().Add(-time.Hour))
	fresh := metav1.NewTime(time.Now())

	mk := func(name string, created metav1.Time, managed bool) *corev1.Pod {
		labels := map[string]string{}
		if managed {
			labels[ManagedByLabelKey] = ManagedByLabelValue
		}
		return &corev1.Pod{ObjectMeta: metav1.ObjectMeta{
			Name: name, Namespace: "ns", Labels: labels, CreationTimestamp: created,
		}}
	}

	clientset := fake.NewSimpleClientset(
		mk("orphan-old", old, true),
		mk("tracked-old", old, true),
		mk("orphan-fresh", fresh, true),
		mk("unmanaged-old", old, false),
	)

	tracked := func(name string) bool { return name == "tracked-old" }
	r := NewReaper(clientset, "ns", tracked, 10*time.Minute, time.Minute)
	assert.NoError(t, r.sweep(ctx))

	remaining, err := clientset.CoreV1().Pods("ns").List(ctx, metav1.ListOptions{})
	assert.NoError(t, err)
	var names []string
	for _, p := range remaining.Items {
		names = append(names, p.Name)
	}
	assert.ElementsMatch(t, []string{"tracked-old", "orphan-fresh", "unmanaged-old"}, names)
}
