package main

import (
	"context"
	"hash/crc32"
)

type EchoArgs struct {
	Data []byte
}

type EchoReply struct {
	Data     []byte
	Size     int
	Checksum uint32 // CRC-32 (IEEE) of Data
}

// Echo returns what it receives. Large payloads exercise chunked transfers
// in both directions.
type Echo struct{}

func (e *Echo) Echo(ctx context.Context, args *EchoArgs, reply *EchoReply) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	reply.Data = args.Data
	reply.Size = len(args.Data)
	reply.Checksum = crc32.ChecksumIEEE(args.Data)
	return nil
}

// Stat is Echo without the payload on the way back.
func (e *Echo) Stat(args *EchoArgs, reply *EchoReply) error {
	reply.Size = len(args.Data)
	reply.Checksum = crc32.ChecksumIEEE(args.Data)
	return nil
}
