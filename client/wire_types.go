package client

import (
	"github.com/floegence/flowersec-sub002/controlplane/grant"
)

type ChannelInitGrant = grant.ChannelInitGrant

type DirectConnectInfo = grant.DirectConnectInfo
