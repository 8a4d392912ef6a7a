package mock

import (
	"github.com/gurre/awschome/aws"
	"github.com/gurre/awschome/objectstore"
)

var (
	_ aws.S3Client             = (*S3Client)(nil)
	_ objectstore.LineStreamer = (*S3Client)(nil)
	_ aws.KinesisClient        = (*KinesisClient)(nil)
	_ aws.IAMClient            = (*IAMClient)(nil)
	_ aws.PresignClient        = (*PresignClient)(nil)
)
