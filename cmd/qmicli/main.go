// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

// Command qmicli sends one QMI request to a modem, either directly
// against a character device or through a running qmi-proxyd, and prints
// the decoded response.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/grid-x/qmi"
)

type tlvFlag []qmi.TLV

func (t *tlvFlag) String() string {
	return fmt.Sprintf("%v", []qmi.TLV(*t))
}

func (t *tlvFlag) Set(s string) error {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("expected type:hexvalue, got %q", s)
	}
	typ, err := strconv.ParseUint(parts[0], 0, 8)
	if err != nil {
		return fmt.Errorf("invalid tlv type %q: %w", parts[0], err)
	}
	value, err := hex.DecodeString(parts[1])
	if err != nil {
		return fmt.Errorf("invalid tlv value %q: %w", parts[1], err)
	}
	*t = append(*t, qmi.TLV{Type: byte(typ), Value: value})
	return nil
}

func (t *tlvFlag) Type() string { return "type:hexvalue" }

func main() {
	var (
		device    = flag.String("device", "/dev/cdc-wdm0", "QMI character device path")
		useProxy  = flag.Bool("proxy", false, "connect through the local qmi-proxyd instead of opening the device directly")
		service   = flag.Uint32("service", 0, "service id")
		cid       = flag.Uint32("cid", 0, "client id (0 to auto-allocate for the duration of this call)")
		messageID = flag.Uint16("message-id", 0, "message id")
		timeout   = flag.Duration("timeout", 20*time.Second, "command timeout")
		tlvs      tlvFlag
	)
	flag.Var(&tlvs, "tlv", "request TLV, repeatable: --tlv 0x01:deadbeef")
	flag.Parse()

	logger := log.New(os.Stderr, "", 0)

	var transport qmi.Transport
	if *useProxy {
		transport = qmi.NewProxyTransport(*device)
	} else {
		transport = qmi.NewCharDeviceTransport(*device)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	dev, err := qmi.Open(ctx, transport)
	if err != nil {
		logger.Fatalf("open: %v", err)
	}
	defer dev.Close(context.Background(), time.Second)

	service0 := byte(*service)
	clientCID := byte(*cid)
	if clientCID == 0 && service0 != qmi.ServiceCTL {
		client, err := dev.AllocateClient(ctx, service0, 0, false, *timeout)
		if err != nil {
			logger.Fatalf("allocate client: %v", err)
		}
		defer client.Release(context.Background(), qmi.ReleaseCID, time.Second)
		clientCID = client.CID()
	}

	msg := qmi.NewRequest(service0, clientCID, *messageID)
	for _, t := range tlvs {
		if err := msg.AddTLV(t); err != nil {
			logger.Fatalf("add tlv: %v", err)
		}
	}

	resp, err := dev.Command(ctx, msg, *timeout)
	if err != nil {
		logger.Fatalf("command: %v", err)
	}

	if err := resp.GetResult(); err != nil {
		fmt.Printf("result: %v\n", err)
	} else {
		fmt.Println("result: success")
	}
	resp.IterateTLVs(func(t qmi.TLV) bool {
		fmt.Printf("tlv 0x%02x: %s\n", t.Type, hex.EncodeToString(t.Value))
		return true
	})
}
