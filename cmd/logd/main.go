package main

import (
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"kueuestream/kueue"
)

var (
	serviceAddr = flag.String(
		"address",
		"127.0.0.1:9092",
		"address of the log service in the format of host:port",
	)
	brokerName = flag.String(
		"name",
		"logd-1",
		"unique name of the broker",
	)
	dataDir = flag.String(
		"data-dir",
		"",
		"directory for segment and offset files, empty keeps the log in memory",
	)
	persistBatch = flag.Int(
		"persist-batch",
		1000,
		"number of records per segment file",
	)
	compression = flag.String(
		"compression",
		"none",
		"segment value compression: none, snappy or lz4",
	)
	logLevel = flag.String(
		"log-level",
		"info",
		"logrus level",
	)
)

func main() {
	flag.Parse()
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logrus.Fatalf("Invalid log level: %v", err)
	}
	logrus.SetLevel(level)
	if *persistBatch <= 0 {
		logrus.Fatalf("persist batch must be positive.")
	}
	codec, err := kueue.ParseCompression(*compression)
	if err != nil {
		logrus.Fatalf("Invalid compression: %v", err)
	}

	logger := logrus.WithField("Node", *brokerName)
	broker, err := kueue.NewBroker(&kueue.BrokerInfo{
		BrokerName:   *brokerName,
		NodeAddr:     *serviceAddr,
		PersistBatch: *persistBatch,
		DataDir:      *dataDir,
		Compression:  codec,
	}, *logger)
	if err != nil {
		logrus.Fatalf("Failed to create broker: %v", err)
	}
	os.Exit(serve(broker, *logger))
}

// serve runs the log service until a signal stops it and closes the broker
// before returning the exit code.
func serve(broker *kueue.Broker, logger logrus.Entry) int {
	defer broker.Close()

	lis, err := net.Listen("tcp", *serviceAddr)
	if err != nil {
		logger.Errorf("Failed to listen: %v", err)
		return 1
	}
	grpcServer := grpc.NewServer()
	kueue.RegisterLogServiceServer(grpcServer, kueue.NewLogServer(broker, logger))

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		logger.WithField("Topic", kueue.DBroker).Infof("Shutting down")
		grpcServer.GracefulStop()
	}()

	logger.WithField("Topic", kueue.DBroker).Infof("Log service listening on %s, topics %v", *serviceAddr, broker.Topics())
	if err := grpcServer.Serve(lis); err != nil {
		logger.Errorf("Failed to serve: %v", err)
		return 1
	}
	return 0
}
