/*
Copyright 2023 The Localtrack Authors

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

package constants

import "time"

const (
	// ContainerPrefix is the reserved name prefix for every worker
	// container this process owns. The scheduler counts live containers
	// with this prefix to enforce its concurrency bound, so nothing else
	// may create containers under it.
	ContainerPrefix = "strongsort"

	// DefaultTrackArgs is substituted when a caller omits args on admission.
	DefaultTrackArgs = "--iou-thres 0.5 --conf-thres 0.01 --agnostic-nms --max-det 100"

	// Entrypoint is the command exposed by the tracking container image.
	Entrypoint = "dettrack"

	// DatabaseFile is the sqlite file name inside database.path.
	DatabaseFile = "sqlite_job_cache_docker.db"

	// ContainerWaitTimeout bounds how long a worker container may run.
	ContainerWaitTimeout = 1 * time.Hour

	// TimestampLayout names container suffixes and output prefixes.
	TimestampLayout = "20060102T150405Z"
)

// Environment variable names shared between the control plane, the daemon
// and the worker containers.
const (
	EnvConfig         = "LOCALTRACK_CONFIG"
	EnvMinioEndpoint  = "MINIO_ENDPOINT_URL"
	EnvMinioExternal  = "MINIO_EXTERNAL_ENDPOINT_URL"
	EnvMinioAccessKey = "MINIO_ACCESS_KEY"
	EnvMinioSecretKey = "MINIO_SECRET_KEY"
	EnvRootBucket     = "ROOT_BUCKET"
	EnvTrackPrefix    = "TRACK_PREFIX"
	EnvModelPrefix    = "MODEL_PREFIX"
	EnvModelDir       = "MODEL_DIR"
	EnvDatabaseDir    = "DATABASE_DIR"
	EnvNotifyURL      = "NOTIFY_URL"
	EnvNumGPUs        = "NUM_GPUS"
	EnvTempDir        = "TEMP_DIR"
	EnvMode           = "MODE"
	EnvAWSRegion      = "AWS_DEFAULT_REGION"
	EnvSMTPPassword   = "SMTP_PASSWORD"
)

// DefaultAWSRegion is used when AWS_DEFAULT_REGION is unset; MinIO ignores
// the region but the SDK requires one.
const DefaultAWSRegion = "us-west-2"

// ModelSuffixes are the object-store extensions recognised as runnable models.
var ModelSuffixes = []string{".pt", ".gz"}
