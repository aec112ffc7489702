/*
Copyright The Crucible Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package sandbox

import (
	"fmt"
	"strconv"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"
)

// Pod labels for everything this manager owns. The reaper and the
// readiness reconciler select on ManagedByLabelKey.
const (
	ManagedByLabelKey   = "crucible.sh/managed-by"
	ManagedByLabelValue = "crucible"
	LangLabelKey        = "crucible.sh/lang"
	SandboxLabelKey     = "crucible.sh/sandbox"

	workdirPath   = "/workdir"
	agentBinDir   = "/opt/crucible/bin"
	agentBinPath  = agentBinDir + "/boxd"
	sandboxUserID = 1000

	// PublicKeyEnvVar carries the core's PEM public key into the agent so
	// it can verify request signatures.
	PublicKeyEnvVar = "BOXD_PUBLIC_KEY"
)

type buildPodParams struct {
	name             string
	namespace        string
	lang             string
	image            string
	agentImage       string
	agentPort        int
	runtimeClassName string
	publicKey        string
	memoryMiB        int
	pids             int64
	openFiles        int
}

// buildPod assembles the sandbox Pod. An init container copies the
// agent binary from its own image into a shared volume; the language
// container then runs the agent so executions see the full toolchain.
func buildPod(params *buildPodParams) *corev1.Pod {
	var runtimeClassName *string
	if params.runtimeClassName != "" {
		runtimeClassName = ptr.To(params.runtimeClassName)
	}

	securityContext := &corev1.SecurityContext{
		RunAsNonRoot:             ptr.To(true),
		RunAsUser:                ptr.To[int64](sandboxUserID),
		AllowPrivilegeEscalation: ptr.To(false),
		Capabilities: &corev1.Capabilities{
			Drop: []corev1.Capability{"ALL"},
		},
	}

	resources := corev1.ResourceRequirements{
		Limits: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse("1"),
			corev1.ResourceMemory: resource.MustParse(fmt.Sprintf("%dMi", params.memoryMiB)),
		},
		Requests: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse("100m"),
			corev1.ResourceMemory: resource.MustParse("128Mi"),
		},
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      params.name,
			Namespace: params.namespace,
			Labels: map[string]string{
				ManagedByLabelKey: ManagedByLabelValue,
				LangLabelKey:      params.lang,
				SandboxLabelKey:   params.name,
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy:    corev1.RestartPolicyNever,
			RuntimeClassName: runtimeClassName,
			InitContainers: []corev1.Container{
				{
					Name:            "boxd-install",
					Image:           params.agentImage,
					ImagePullPolicy: corev1.PullIfNotPresent,
					Command:         []string{"cp", "/boxd", agentBinPath},
					SecurityContext: securityContext,
					VolumeMounts: []corev1.VolumeMount{
						{Name: "boxd-bin", MountPath: agentBinDir},
					},
				},
			},
			Containers: []corev1.Container{
				{
					Name:            "sandbox",
					Image:           params.image,
					ImagePullPolicy: corev1.PullIfNotPresent,
					Command:         []string{agentBinPath},
					WorkingDir:      workdirPath,
					Env: []corev1.EnvVar{
						{Name: "BOXD_PORT", Value: strconv.Itoa(params.agentPort)},
						{Name: "BOXD_WORKDIR", Value: workdirPath},
						{Name: "BOXD_LANG", Value: params.lang},
						{Name: PublicKeyEnvVar, Value: params.publicKey},
						{Name: "BOXD_MAX_PIDS", Value: strconv.FormatInt(params.pids, 10)},
						{Name: "BOXD_MAX_OPEN_FILES", Value: strconv.Itoa(params.openFiles)},
					},
					Ports: []corev1.ContainerPort{
						{Name: "boxd", ContainerPort: int32(params.agentPort)},
					},
					Resources:       resources,
					SecurityContext: securityContext,
					ReadinessProbe: &corev1.Probe{
						ProbeHandler: corev1.ProbeHandler{
							HTTPGet: &corev1.HTTPGetAction{
								Path: "/ready",
								Port: intstr.FromInt(params.agentPort),
							},
						},
						InitialDelaySeconds: 1,
						PeriodSeconds:       2,
					},
					VolumeMounts: []corev1.VolumeMount{
						{Name: "workdir", MountPath: workdirPath},
						{Name: "boxd-bin", MountPath: agentBinDir, ReadOnly: true},
					},
				},
			},
			Volumes: []corev1.Volume{
				{Name: "workdir", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}},
				{Name: "boxd-bin", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}},
			},
		},
	}
}
