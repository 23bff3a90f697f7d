// Package aws provides an AWS SNS/SQS transport for streamflow.
//
// Producers publish to SNS topics. Each consumer group subscribes through
// its own SQS queue per topic, named after the topic and the group, so
// every group receives every record once.
package aws

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
	"github.com/drblury/streamflow/transport"
	"github.com/drblury/streamflow/transport/pubsub"
)

// TransportName is the name used to register this transport.
const TransportName = "aws"

// Alias names the transport after its publishing side.
const Alias = "sns"

const (
	localstackAccountID = "000000000000"
	awsAccountIDLength  = 12
)

// DefaultConfigLoader allows overriding the AWS config loader for testing.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// TopicResolverFactory allows overriding the topic resolver creation for testing.
var TopicResolverFactory = sns.NewGenerateArnTopicResolver

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sns.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sns.NewSubscriber(cfg, sqsCfg, logger)
}

func init() {
	Register()
}

// Register adds the transport to the default registry under both schemes.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.AWSCapabilities)
	transport.RegisterWithCapabilities(Alias, Build, transport.AWSCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}

// settings gathers the AWS options from the config and the transport URL.
// A host in the URL, as in "aws://localhost:4566", stands for a custom
// endpoint such as LocalStack.
type settings struct {
	region    string
	accountID string
	accessKey string
	secretKey string
	endpoint  *url.URL
}

func settingsFromTransport(cfg transport.Config) (settings, error) {
	ep, err := transport.ParseEndpoint(cfg.GetURL())
	if err != nil {
		return settings{}, err
	}
	s := settings{
		region:    cfg.GetAWSRegion(),
		accountID: strings.Trim(cfg.GetAWSAccountID(), "\"' "),
		accessKey: cfg.GetAWSAccessKeyID(),
		secretKey: cfg.GetAWSSecretAccessKey(),
	}
	if s.region == "" {
		s.region = ep.Query.Get("region")
	}

	raw := cfg.GetAWSEndpoint()
	if raw == "" && len(ep.Hosts) > 0 {
		raw = "http://" + ep.Hosts[0]
	}
	if raw != "" {
		if s.endpoint, err = url.Parse(raw); err != nil {
			return settings{}, errspkg.NewConfigurationError(fmt.Errorf("aws: invalid endpoint %q: %w", raw, err))
		}
	}
	return s, nil
}

// Build loads the AWS config, creates the SNS publisher and prepares an
// SQS-backed subscriber per consumer group.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Backend, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	s, err := settingsFromTransport(cfg)
	if err != nil {
		return nil, err
	}

	awsCfg, err := createAWSConfig(ctx, s, logger)
	if err != nil {
		return nil, err
	}
	accountID, region := resolveAccountAndRegion(s, logger, awsCfg.Region)
	logger.Info("Created AWS config", watermill.LogFields{
		"region":          region,
		"accountID":       accountID,
		"custom_endpoint": s.endpoint != nil,
	})

	topicResolver, err := createTopicResolver(accountID, region, logger)
	if err != nil {
		return nil, err
	}
	snsOpts, sqsOpts := endpointOptions(s.endpoint)

	publisher, err := PublisherFactory(sns.PublisherConfig{
		TopicResolver: topicResolver,
		AWSConfig:     *awsCfg,
		OptFns:        snsOpts,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
	}, logger)
	if err != nil {
		return nil, err
	}

	return pubsub.New(pubsub.Options{
		Capabilities: transport.AWSCapabilities,
		Publisher:    publisher,
		NewSubscriber: func(_ context.Context, spec transport.ConsumerSpec) (message.Subscriber, error) {
			return SubscriberFactory(
				sns.SubscriberConfig{
					AWSConfig:            *awsCfg,
					OptFns:               snsOpts,
					TopicResolver:        topicResolver,
					GenerateSqsQueueName: queueNameGenerator(spec.Group),
				},
				sqs.SubscriberConfig{
					AWSConfig: *awsCfg,
					OptFns:    sqsOpts,
				},
				logger,
			)
		},
		Logger: logger,
	})
}

func createAWSConfig(ctx context.Context, s settings, logger watermill.LoggerAdapter) (*aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error

	if s.region != "" {
		opts = append(opts, awsconfig.WithRegion(s.region))
	}
	if s.accessKey != "" && s.secretKey != "" {
		logger.Info("Using static AWS credentials from config", nil)
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentialsProvider(s.accessKey, s.secretKey)))
	}

	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		logger.Error("Failed to load AWS default config", err, watermill.LogFields{"requested_region": s.region})
		return nil, err
	}

	// The loader may ignore options.
	if s.region != "" {
		awsCfg.Region = s.region
	}
	if s.endpoint != nil {
		awsCfg.BaseEndpoint = aws.String(s.endpoint.String())
	}
	return &awsCfg, nil
}

// queueNameGenerator names the queue of group for a topic
// "<topic>_<group>", replacing characters SQS rejects.
func queueNameGenerator(group string) func(context.Context, sns.TopicArn) (string, error) {
	return func(_ context.Context, snsTopic sns.TopicArn) (string, error) {
		topic, err := sns.ExtractTopicNameFromTopicArn(snsTopic)
		if err != nil {
			return "", err
		}
		return sqsSafe(string(topic) + "_" + group), nil
	}
}

func sqsSafe(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

func endpointOptions(endpoint *url.URL) ([]func(*amazonsns.Options), []func(*amazonsqs.Options)) {
	if endpoint == nil {
		return nil, nil
	}
	resolved := smithyendpoints.Endpoint{URI: *endpoint}
	return []func(*amazonsns.Options){
			amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{Endpoint: resolved}),
		}, []func(*amazonsqs.Options){
			amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{Endpoint: resolved}),
		}
}

func resolveAccountAndRegion(s settings, logger watermill.LoggerAdapter, fallbackRegion string) (string, string) {
	accountID, region := s.accountID, s.region
	if region == "" {
		region = fallbackRegion
	}
	if s.endpoint == nil {
		return accountID, region
	}

	if accountID == "" {
		logger.Info("AWS account ID empty; using LocalStack default", watermill.LogFields{"accountID": localstackAccountID})
		return localstackAccountID, region
	}
	if len(accountID) != awsAccountIDLength {
		logger.Info("Invalid AWS account ID; falling back to LocalStack default", watermill.LogFields{"accountID": accountID})
		return localstackAccountID, region
	}
	return accountID, region
}

func createTopicResolver(accountID, region string, logger watermill.LoggerAdapter) (sns.TopicResolver, error) {
	topicResolver, err := TopicResolverFactory(accountID, region)
	if err != nil {
		logger.Error("Failed to create SNS topic resolver", err, watermill.LogFields{
			"accountID": accountID,
			"region":    region,
		})
		return nil, err
	}
	return topicResolver, nil
}

func staticCredentialsProvider(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
		}, nil
	})
}
